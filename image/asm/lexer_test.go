package asm

import (
	"testing"
)

func TestLexerBasicTokens(t *testing.T) {
	input := `( ) [ ] , < > = * &`
	expected := []struct {
		typ TokenType
		lit string
	}{
		{TokenLParen, "("},
		{TokenRParen, ")"},
		{TokenLBracket, "["},
		{TokenRBracket, "]"},
		{TokenComma, ","},
		{TokenLess, "<"},
		{TokenGreater, ">"},
		{TokenEquals, "="},
		{TokenStar, "*"},
		{TokenAmp, "&"},
		{TokenEOF, ""},
	}

	l := NewLexer(input)
	for i, exp := range expected {
		tok := l.NextToken()
		if tok.Type != exp.typ {
			t.Errorf("token[%d] type = %v, want %v", i, tok.Type, exp.typ)
		}
		if tok.Literal != exp.lit {
			t.Errorf("token[%d] literal = %q, want %q", i, tok.Literal, exp.lit)
		}
	}
}

func TestLexerNumbers(t *testing.T) {
	tests := []struct {
		input string
		typ   TokenType
		want  string
	}{
		{"42", TokenInteger, "42"},
		{"0", TokenInteger, "0"},
		{"-123", TokenInteger, "-123"},
		{"0xFF", TokenInteger, "0xFF"},
		{"3.14", TokenFloat, "3.14"},
		{"-1.5e10", TokenFloat, "-1.5e10"},
		{"3.402823466e38", TokenFloat, "3.402823466e38"},
		{"2e-3", TokenFloat, "2e-3"},
	}

	for _, tc := range tests {
		tok := NewLexer(tc.input).NextToken()
		if tok.Type != tc.typ {
			t.Errorf("Lexer(%q): type = %v, want %v", tc.input, tok.Type, tc.typ)
		}
		if tok.Literal != tc.want {
			t.Errorf("Lexer(%q): literal = %q, want %q", tc.input, tok.Literal, tc.want)
		}
	}
}

func TestLexerIdentifiers(t *testing.T) {
	tests := []struct {
		input string
		typ   TokenType
		want  string
	}{
		{"ldc.i4", TokenIdentifier, "ldc.i4"},
		{"stelem.md", TokenIdentifier, "stelem.md"},
		{"Kernels::add", TokenIdentifier, "Kernels::add"},
		{"ComplexF::.ctor", TokenIdentifier, "ComplexF::.ctor"},
		{".cctor", TokenIdentifier, ".cctor"},
		{".method", TokenDirective, ".method"},
		{".end", TokenDirective, ".end"},
		{"loop:", TokenLabel, "loop"},
		{`"cache"`, TokenString, "cache"},
		{`"a\tb\n\"q\""`, TokenString, "a\tb\n\"q\""},
	}

	for _, tc := range tests {
		tok := NewLexer(tc.input).NextToken()
		if tok.Type != tc.typ {
			t.Errorf("Lexer(%q): type = %v, want %v", tc.input, tok.Type, tc.typ)
		}
		if tok.Literal != tc.want {
			t.Errorf("Lexer(%q): literal = %q, want %q", tc.input, tok.Literal, tc.want)
		}
	}
}

func TestLexerCommentsAndNewlines(t *testing.T) {
	input := "ldarg a ; load a\n\n  ret"
	want := []TokenType{
		TokenIdentifier, TokenIdentifier, TokenNewline, TokenNewline, TokenIdentifier, TokenEOF,
	}
	tokens := Tokenize(input)
	if len(tokens) != len(want) {
		t.Fatalf("got %d tokens (%v), want %d", len(tokens), tokens, len(want))
	}
	for i, typ := range want {
		if tokens[i].Type != typ {
			t.Errorf("token[%d] = %v, want %v", i, tokens[i].Type, typ)
		}
	}
	if tokens[4].Pos.Line != 3 || tokens[4].Pos.Column != 3 {
		t.Errorf("ret position = %d:%d, want 3:3", tokens[4].Pos.Line, tokens[4].Pos.Column)
	}
}

func TestLexerErrors(t *testing.T) {
	tests := []string{
		`"unterminated`,
		`"bad \q escape"`,
		`Kernels::`,
		`#`,
	}
	for _, input := range tests {
		tokens := Tokenize(input)
		last := tokens[len(tokens)-1]
		if last.Type != TokenError {
			t.Errorf("Tokenize(%q): last token = %v, want ERROR", input, last)
		}
	}
}
