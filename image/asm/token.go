package asm

import "fmt"

// ---------------------------------------------------------------------------
// Token types for the kasm lexer
// ---------------------------------------------------------------------------

// TokenType represents the type of a token.
type TokenType int

const (
	// Special tokens
	TokenEOF TokenType = iota
	TokenError
	TokenNewline

	// Literals
	TokenInteger    // 42, -7, 0xFF
	TokenFloat      // 3.14, 1.5e10
	TokenString     // "hello"
	TokenIdentifier // add, ldc.i4, Kernels::add, .ctor
	TokenDirective  // .image, .method, .end
	TokenLabel      // L1:

	// Delimiters
	TokenLParen   // (
	TokenRParen   // )
	TokenLBracket // [
	TokenRBracket // ]
	TokenComma    // ,
	TokenLess     // <
	TokenGreater  // >
	TokenEquals   // =
	TokenStar     // *
	TokenAmp      // &
)

var tokenNames = map[TokenType]string{
	TokenEOF:        "EOF",
	TokenError:      "ERROR",
	TokenNewline:    "NEWLINE",
	TokenInteger:    "INTEGER",
	TokenFloat:      "FLOAT",
	TokenString:     "STRING",
	TokenIdentifier: "IDENTIFIER",
	TokenDirective:  "DIRECTIVE",
	TokenLabel:      "LABEL",
	TokenLParen:     "(",
	TokenRParen:     ")",
	TokenLBracket:   "[",
	TokenRBracket:   "]",
	TokenComma:      ",",
	TokenLess:       "<",
	TokenGreater:    ">",
	TokenEquals:     "=",
	TokenStar:       "*",
	TokenAmp:        "&",
}

func (t TokenType) String() string {
	if name, ok := tokenNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Token(%d)", t)
}

// Position represents a source location.
type Position struct {
	Offset int // byte offset
	Line   int // 1-based line number
	Column int // 1-based column number
}

// Token represents a lexical token.
type Token struct {
	Type    TokenType
	Literal string   // the raw text
	Pos     Position // start position
}

func (t Token) String() string {
	switch t.Type {
	case TokenEOF:
		return "EOF"
	case TokenNewline:
		return "NEWLINE"
	case TokenError:
		return fmt.Sprintf("ERROR(%s)", t.Literal)
	}
	if len(t.Literal) > 20 {
		return fmt.Sprintf("%s(%q...)", t.Type, t.Literal[:20])
	}
	return fmt.Sprintf("%s(%q)", t.Type, t.Literal)
}

// directiveWords are the dot-prefixed words that start declarations.
// Other dot-prefixed words (.ctor, .cctor) are identifiers.
var directiveWords = map[string]bool{
	".image":    true,
	".struct":   true,
	".class":    true,
	".delegate": true,
	".field":    true,
	".method":   true,
	".local":    true,
	".end":      true,
}
