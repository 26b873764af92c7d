package expr

import (
	"fmt"
	"strings"
)

// scan is a single pass over an expression source. It rewrites member,
// index and call accesses to their optional-chaining forms so dereferencing
// a missing value yields undefined instead of a TypeError, collects the
// top-level identifiers the expression references, and rejects constructs
// the dialect forbids (assignments, statements, dangerous globals).

// reservedWords are keywords that may legitimately precede '(' or '[' and
// must not be turned into an optional call/index target.
var reservedWords = map[string]bool{
	"typeof": true, "instanceof": true, "in": true, "new": true,
	"void": true, "delete": true, "of": true, "case": true,
	"else": true, "do": true, "null": true, "true": true,
	"false": true, "undefined": true,
}

// statementWords begin statements and are rejected outright: the dialect is
// a single expression.
var statementWords = map[string]bool{
	"var": true, "let": true, "const": true, "function": true,
	"while": true, "for": true, "return": true, "throw": true,
	"class": true, "yield": true, "await": true, "with": true,
	"debugger": true, "switch": true, "if": true,
}

// bannedIdents are rejected wherever they appear as a value reference.
var bannedIdents = map[string]bool{
	"eval": true, "Function": true, "require": true, "import": true,
	"process": true, "global": true, "globalThis": true, "window": true,
}

// bannedProps are property names that escape the sandbox through the
// prototype chain.
var bannedProps = map[string]bool{
	"constructor": true, "__proto__": true, "prototype": true,
}

// builtinGlobals are provided by the runtime and are never treated as
// unresolved scope references.
var builtinGlobals = map[string]bool{
	"Math": true, "JSON": true, "Date": true, "parseInt": true,
	"parseFloat": true, "isNaN": true, "isFinite": true, "NaN": true,
	"Infinity": true, "String": true, "Number": true, "Boolean": true,
	"Array": true, "Object": true, "RegExp": true, "Error": true,
}

type scanResult struct {
	rewritten string
	idents    []string
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

// scanExpression performs the rewrite pass. See the package comment on the
// exact dialect; syntax problems beyond what this pass can see are caught by
// the compiler afterwards.
func scanExpression(src string) (*scanResult, error) {
	var out strings.Builder
	out.Grow(len(src) + 16)

	idents := make([]string, 0, 8)
	seen := make(map[string]bool)

	// prevSig tracks the last significant (non-space) byte emitted from the
	// normal state; prevTok the identifier token it closed, if any.
	var prevSig byte
	prevTok := ""
	prevIsString := false
	prevIsNumber := false

	// bracketStack tracks unclosed brackets to tell object keys from
	// ternary branches when an identifier is followed by ':'.
	var bracketStack []byte

	i := 0
	n := len(src)
	for i < n {
		c := src[i]

		switch c {
		case '\'', '"', '`':
			// String literal: copy verbatim, honoring escapes. Template
			// literal interpolation is not part of the dialect; backtick
			// bodies are copied as-is.
			quote := c
			indexPos := prevSig == '['
			start := i
			out.WriteByte(c)
			i++
			for i < n {
				if src[i] == '\\' && i+1 < n {
					out.WriteByte(src[i])
					out.WriteByte(src[i+1])
					i += 2
					continue
				}
				out.WriteByte(src[i])
				if src[i] == quote {
					i++
					break
				}
				i++
			}
			// a["constructor"] is a.constructor; banned names are rejected
			// in index position as well.
			if indexPos && i-start >= 2 && src[i-1] == quote && bannedProps[src[start+1:i-1]] {
				return nil, &Error{Kind: KindSyntax, Message: fmt.Sprintf("forbidden property access: %s", src[start+1:i-1]), Expression: src}
			}
			prevSig = quote
			prevTok = ""
			prevIsString = true
			prevIsNumber = false
			continue

		case ';':
			return nil, &Error{Kind: KindSyntax, Message: "statements are not allowed, expected a single expression", Expression: src}

		case '=':
			// Allowed: == === <= >= != !== =>  Rejected: bare assignment and
			// compound assignments.
			if i+1 < n && (src[i+1] == '=' || src[i+1] == '>') {
				out.WriteByte(c)
				out.WriteByte(src[i+1])
				i += 2
				if i < n && src[i] == '=' { // ===, !==
					out.WriteByte(src[i])
					i++
				}
				prevSig = '='
				prevTok = ""
				prevIsString = false
				prevIsNumber = false
				continue
			}
			if prevSig == '<' || prevSig == '>' || prevSig == '!' || prevSig == '=' {
				out.WriteByte(c)
				i++
				prevSig = '='
				continue
			}
			return nil, &Error{Kind: KindSyntax, Message: "assignment is not allowed in expressions", Expression: src}

		case '+', '-':
			if i+1 < n && src[i+1] == c {
				return nil, &Error{Kind: KindSyntax, Message: fmt.Sprintf("%c%c operator is not allowed in expressions", c, c), Expression: src}
			}
			if i+1 < n && src[i+1] == '=' && (i+2 >= n || src[i+2] != '=') {
				return nil, &Error{Kind: KindSyntax, Message: "assignment is not allowed in expressions", Expression: src}
			}
			out.WriteByte(c)
			i++
			prevSig = c
			prevTok = ""
			prevIsString = false
			prevIsNumber = false
			continue

		case '.':
			// Leave numeric decimals, leading decimals and existing ?. runs
			// untouched; everything else becomes an optional access.
			if prevIsNumber || prevSig == '?' {
				out.WriteByte(c)
			} else if isIdentPart(prevSig) || prevSig == ')' || prevSig == ']' || prevIsString {
				if prevTok != "" && reservedWords[prevTok] {
					out.WriteByte(c)
				} else {
					out.WriteString("?.")
				}
			} else {
				out.WriteByte(c)
			}
			i++
			prevSig = '.'
			prevTok = ""
			prevIsString = false
			continue

		case '[':
			if (isIdentPart(prevSig) || prevSig == ')' || prevSig == ']' || prevIsString) &&
				!(prevTok != "" && reservedWords[prevTok]) && !prevIsNumber {
				out.WriteString("?.[")
			} else {
				out.WriteByte(c)
			}
			bracketStack = append(bracketStack, '[')
			i++
			prevSig = '['
			prevTok = ""
			prevIsString = false
			prevIsNumber = false
			continue

		case '(':
			if (isIdentPart(prevSig) || prevSig == ')' || prevSig == ']') &&
				!(prevTok != "" && reservedWords[prevTok]) && !prevIsNumber {
				out.WriteString("?.(")
			} else {
				out.WriteByte(c)
			}
			bracketStack = append(bracketStack, '(')
			i++
			prevSig = '('
			prevTok = ""
			prevIsString = false
			prevIsNumber = false
			continue

		case '/':
			// A '/' after an operand is division; anywhere else it starts a
			// regex literal, which is copied verbatim.
			if isIdentPart(prevSig) || prevSig == ')' || prevSig == ']' || prevIsString || prevIsNumber {
				out.WriteByte(c)
				i++
				prevSig = c
				prevTok = ""
				prevIsString = false
				prevIsNumber = false
				continue
			}
			out.WriteByte(c)
			i++
			inClass := false
			for i < n {
				if src[i] == '\\' && i+1 < n {
					out.WriteByte(src[i])
					out.WriteByte(src[i+1])
					i += 2
					continue
				}
				out.WriteByte(src[i])
				if src[i] == '[' {
					inClass = true
				} else if src[i] == ']' {
					inClass = false
				} else if src[i] == '/' && !inClass {
					i++
					break
				}
				i++
			}
			// Regex flags.
			for i < n && isIdentPart(src[i]) {
				out.WriteByte(src[i])
				i++
			}
			prevSig = ')' // behaves like an operand
			prevTok = ""
			prevIsString = false
			prevIsNumber = false
			continue

		case '{', ']', ')', '}':
			if c == '{' {
				bracketStack = append(bracketStack, '{')
			} else if len(bracketStack) > 0 {
				bracketStack = bracketStack[:len(bracketStack)-1]
			}
			out.WriteByte(c)
			i++
			prevSig = c
			prevTok = ""
			prevIsString = false
			prevIsNumber = false
			continue
		}

		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			out.WriteByte(c)
			i++
			continue
		}

		if isDigit(c) || (c == '.' && i+1 < n && isDigit(src[i+1])) {
			start := i
			for i < n && (isIdentPart(src[i]) || src[i] == '.') {
				// Exponent sign: 1e+3
				if (src[i] == 'e' || src[i] == 'E') && i+1 < n && (src[i+1] == '+' || src[i+1] == '-') {
					i++
				}
				i++
			}
			out.WriteString(src[start:i])
			prevSig = src[i-1]
			prevTok = ""
			prevIsString = false
			prevIsNumber = true
			continue
		}

		if isIdentStart(c) {
			start := i
			for i < n && isIdentPart(src[i]) {
				i++
			}
			tok := src[start:i]
			propertyPos := prevSig == '.'

			if propertyPos {
				if bannedProps[tok] {
					return nil, &Error{Kind: KindSyntax, Message: fmt.Sprintf("forbidden property access: %s", tok), Expression: src}
				}
			} else {
				if bannedIdents[tok] {
					return nil, &Error{Kind: KindSyntax, Message: fmt.Sprintf("forbidden identifier: %s", tok), Expression: src}
				}
				if statementWords[tok] {
					return nil, &Error{Kind: KindSyntax, Message: fmt.Sprintf("statement keyword %q is not allowed, expected a single expression", tok), Expression: src}
				}
				// Object literal keys are not references: identifier directly
				// followed by ':' while the innermost open bracket is '{'.
				isKey := false
				if len(bracketStack) > 0 && bracketStack[len(bracketStack)-1] == '{' {
					j := i
					for j < n && (src[j] == ' ' || src[j] == '\t') {
						j++
					}
					if j < n && src[j] == ':' {
						isKey = true
					}
				}
				if !isKey && !reservedWords[tok] && !builtinGlobals[tok] && !seen[tok] {
					seen[tok] = true
					idents = append(idents, tok)
				}
			}

			out.WriteString(tok)
			prevSig = tok[len(tok)-1]
			prevTok = tok
			prevIsString = false
			prevIsNumber = false
			continue
		}

		out.WriteByte(c)
		i++
		prevSig = c
		prevTok = ""
		prevIsString = false
		prevIsNumber = false
	}

	return &scanResult{rewritten: out.String(), idents: idents}, nil
}
