package asm

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ---------------------------------------------------------------------------
// Lexer: tokenizer for kasm source
// ---------------------------------------------------------------------------

// Lexer tokenizes kasm source. Newlines are significant: every declaration
// and instruction occupies one line.
type Lexer struct {
	input   string
	pos     int  // current position in input
	readPos int  // reading position (after current char)
	ch      rune // current character
	line    int  // current line (1-based)
	col     int  // current column (1-based)
}

// NewLexer creates a new lexer for the given input.
func NewLexer(input string) *Lexer {
	l := &Lexer{
		input: input,
		line:  1,
	}
	l.readChar()
	return l
}

// readChar reads the next character.
func (l *Lexer) readChar() {
	if l.ch == '\n' {
		l.line++
		l.col = 0
	}
	if l.readPos >= len(l.input) {
		l.ch = 0
		l.pos = l.readPos
		return
	}
	r, size := utf8.DecodeRuneInString(l.input[l.readPos:])
	l.ch = r
	l.pos = l.readPos
	l.readPos += size
	l.col++
}

// peekChar returns the next character without consuming it.
func (l *Lexer) peekChar() rune {
	if l.readPos >= len(l.input) {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(l.input[l.readPos:])
	return r
}

func (l *Lexer) position() Position {
	return Position{Offset: l.pos, Line: l.line, Column: l.col}
}

// NextToken returns the next token.
func (l *Lexer) NextToken() Token {
	l.skipSpaceAndComments()

	pos := l.position()
	single := func(t TokenType) Token {
		lit := string(l.ch)
		l.readChar()
		return Token{Type: t, Literal: lit, Pos: pos}
	}

	switch {
	case l.ch == 0:
		return Token{Type: TokenEOF, Pos: pos}
	case l.ch == '\n':
		return single(TokenNewline)
	case l.ch == '(':
		return single(TokenLParen)
	case l.ch == ')':
		return single(TokenRParen)
	case l.ch == '[':
		return single(TokenLBracket)
	case l.ch == ']':
		return single(TokenRBracket)
	case l.ch == ',':
		return single(TokenComma)
	case l.ch == '<':
		return single(TokenLess)
	case l.ch == '>':
		return single(TokenGreater)
	case l.ch == '=':
		return single(TokenEquals)
	case l.ch == '*':
		return single(TokenStar)
	case l.ch == '&':
		return single(TokenAmp)
	case l.ch == '"':
		return l.readString(pos)
	case isDigit(l.ch):
		return l.readNumber(pos)
	case l.ch == '-' && isDigit(l.peekChar()):
		return l.readNumber(pos)
	case isIdentStart(l.ch):
		return l.readIdentifier(pos)
	}
	ch := l.ch
	l.readChar()
	return Token{Type: TokenError, Literal: fmt.Sprintf("unexpected character: %c", ch), Pos: pos}
}

// skipSpaceAndComments skips blanks and ';' line comments, stopping at a
// newline so the parser sees line ends.
func (l *Lexer) skipSpaceAndComments() {
	for {
		for l.ch == ' ' || l.ch == '\t' || l.ch == '\r' {
			l.readChar()
		}
		if l.ch == ';' {
			for l.ch != '\n' && l.ch != 0 {
				l.readChar()
			}
			continue
		}
		return
	}
}

// readString reads a double-quoted string with Go-style escapes.
func (l *Lexer) readString(pos Position) Token {
	l.readChar() // consume opening "

	var sb strings.Builder
	for l.ch != '"' {
		switch l.ch {
		case 0, '\n':
			return Token{Type: TokenError, Literal: "unterminated string", Pos: pos}
		case '\\':
			l.readChar()
			switch l.ch {
			case 'n':
				sb.WriteByte('\n')
			case 't':
				sb.WriteByte('\t')
			case '\\', '"':
				sb.WriteRune(l.ch)
			default:
				return Token{Type: TokenError, Literal: fmt.Sprintf("unknown escape \\%c", l.ch), Pos: pos}
			}
		default:
			sb.WriteRune(l.ch)
		}
		l.readChar()
	}
	l.readChar() // consume closing "
	return Token{Type: TokenString, Literal: sb.String(), Pos: pos}
}

// readNumber reads an integer or float literal.
func (l *Lexer) readNumber(pos Position) Token {
	start := l.pos
	isFloat := false

	if l.ch == '-' {
		l.readChar()
	}

	if l.ch == '0' && (l.peekChar() == 'x' || l.peekChar() == 'X') {
		l.readChar()
		l.readChar()
		for isHexDigit(l.ch) {
			l.readChar()
		}
		return Token{Type: TokenInteger, Literal: l.input[start:l.pos], Pos: pos}
	}

	for isDigit(l.ch) {
		l.readChar()
	}

	if l.ch == '.' && isDigit(l.peekChar()) {
		isFloat = true
		l.readChar() // consume .
		for isDigit(l.ch) {
			l.readChar()
		}
	}

	if l.ch == 'e' || l.ch == 'E' {
		isFloat = true
		l.readChar()
		if l.ch == '+' || l.ch == '-' {
			l.readChar()
		}
		for isDigit(l.ch) {
			l.readChar()
		}
	}

	if isFloat {
		return Token{Type: TokenFloat, Literal: l.input[start:l.pos], Pos: pos}
	}
	return Token{Type: TokenInteger, Literal: l.input[start:l.pos], Pos: pos}
}

// readIdentifier reads an identifier, a member reference (Owner::name), a
// directive or a label definition.
func (l *Lexer) readIdentifier(pos Position) Token {
	start := l.pos

	for isIdentChar(l.ch) {
		l.readChar()
	}
	for l.ch == ':' && l.peekChar() == ':' {
		l.readChar()
		l.readChar()
		if !isIdentStart(l.ch) {
			return Token{Type: TokenError, Literal: "expected member name after ::", Pos: pos}
		}
		for isIdentChar(l.ch) {
			l.readChar()
		}
	}
	literal := l.input[start:l.pos]

	if l.ch == ':' && !strings.Contains(literal, "::") {
		l.readChar()
		return Token{Type: TokenLabel, Literal: literal, Pos: pos}
	}
	if directiveWords[literal] {
		return Token{Type: TokenDirective, Literal: literal, Pos: pos}
	}
	return Token{Type: TokenIdentifier, Literal: literal, Pos: pos}
}

// Helper functions

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_' || r == '.' || r == '$'
}

func isIdentChar(r rune) bool {
	return isIdentStart(r) || isDigit(r)
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}

func isHexDigit(r rune) bool {
	return isDigit(r) || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

// Tokenize returns all tokens from the input.
func Tokenize(input string) []Token {
	l := NewLexer(input)
	var tokens []Token
	for {
		tok := l.NextToken()
		tokens = append(tokens, tok)
		if tok.Type == TokenEOF || tok.Type == TokenError {
			break
		}
	}
	return tokens
}
