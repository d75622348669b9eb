// Package asm assembles kasm text into assembly images.
//
// kasm is line oriented:
//
//	.image sample
//	.struct ComplexF
//	  .field x f32
//	  .method .ctor(re f32, im f32) void
//	    ldarg this
//	    ldarg re
//	    stfld ComplexF::x
//	    ret
//	  .end
//	.end
//	.class Kernels beforefieldinit
//	  .field static data f32[] fixed 1024 constant
//	  .method static add(thread GThread, a i32[], b i32[], c i32[]) void kernel
//	    .local tid i32
//	    ...
//	  .end
//	.end
//	.delegate Op(x i32) i32
//
// Member operands are written Owner::name, method operands may carry a
// generic argument and a parameter signature: GThread::AllocateShared<f32>,
// Math::Abs(f32).
package asm

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/chazu/kernelize/image"
	"github.com/chazu/kernelize/pkg/bytecode"
)

// Error carries every diagnostic of a failed assembly.
type Error struct {
	Errors []string
}

func (e *Error) Error() string {
	return "assembly failed:\n  " + strings.Join(e.Errors, "\n  ")
}

// ---------------------------------------------------------------------------
// Parser: declaration-level recursive descent
// ---------------------------------------------------------------------------

// Parser assembles kasm source into an image.
type Parser struct {
	lexer     *Lexer
	curToken  Token
	peekToken Token
	errors    []string

	img *image.Image
}

// NewParser creates a new parser for the given input.
func NewParser(input string) *Parser {
	p := &Parser{lexer: NewLexer(input)}
	p.nextToken()
	p.nextToken()
	return p
}

// Assemble parses src and returns the linked image.
func Assemble(src string) (*image.Image, error) {
	return NewParser(src).Parse()
}

func (p *Parser) nextToken() {
	p.curToken = p.peekToken
	p.peekToken = p.lexer.NextToken()
}

func (p *Parser) curTokenIs(t TokenType) bool {
	return p.curToken.Type == t
}

func (p *Parser) curWord(word string) bool {
	return p.curToken.Type == TokenIdentifier && p.curToken.Literal == word
}

func (p *Parser) expect(t TokenType) (Token, bool) {
	tok := p.curToken
	if tok.Type == t {
		p.nextToken()
		return tok, true
	}
	p.errorf("expected %s, got %s", t, tok)
	return tok, false
}

func (p *Parser) errorf(format string, args ...interface{}) {
	msg := fmt.Sprintf("line %d: %s", p.curToken.Pos.Line, fmt.Sprintf(format, args...))
	p.errors = append(p.errors, msg)
}

// Errors returns accumulated parse errors.
func (p *Parser) Errors() []string {
	return p.errors
}

// skipLine discards the rest of the current line.
func (p *Parser) skipLine() {
	for !p.curTokenIs(TokenNewline) && !p.curTokenIs(TokenEOF) {
		p.nextToken()
	}
	if p.curTokenIs(TokenNewline) {
		p.nextToken()
	}
}

// endLine requires the current line to be finished.
func (p *Parser) endLine() {
	if p.curTokenIs(TokenEOF) {
		return
	}
	if !p.curTokenIs(TokenNewline) {
		p.errorf("unexpected %s at end of line", p.curToken)
	}
	p.skipLine()
}

func (p *Parser) skipBlankLines() {
	for p.curTokenIs(TokenNewline) {
		p.nextToken()
	}
}

// Parse assembles the whole input.
func (p *Parser) Parse() (*image.Image, error) {
	p.img = image.New("")
	for {
		p.skipBlankLines()
		if p.curTokenIs(TokenEOF) {
			break
		}
		if p.curTokenIs(TokenError) {
			p.errorf("%s", p.curToken.Literal)
			p.skipLine()
			continue
		}
		if !p.curTokenIs(TokenDirective) {
			p.errorf("expected a declaration, got %s", p.curToken)
			p.skipLine()
			continue
		}
		switch p.curToken.Literal {
		case ".image":
			p.nextToken()
			if tok, ok := p.expect(TokenIdentifier); ok {
				p.img.Name = tok.Literal
			}
			p.endLine()
		case ".struct":
			p.parseType(image.TypeStruct)
		case ".class":
			p.parseType(image.TypeClass)
		case ".delegate":
			p.parseDelegate()
		default:
			p.errorf("%s outside a type declaration", p.curToken.Literal)
			p.skipLine()
		}
	}
	if len(p.errors) > 0 {
		return nil, &Error{Errors: p.errors}
	}
	if err := p.img.Link(); err != nil {
		return nil, err
	}
	return p.img, nil
}

// ---------------------------------------------------------------------------
// Declarations
// ---------------------------------------------------------------------------

func (p *Parser) parseType(kind image.TypeKind) {
	p.nextToken() // .struct / .class
	name, ok := p.expect(TokenIdentifier)
	if !ok {
		p.skipLine()
		return
	}
	td := &image.TypeDef{Name: name.Literal, Kind: kind}
	for p.curTokenIs(TokenIdentifier) {
		switch {
		case p.curWord("beforefieldinit"):
			td.BeforeFieldInit = true
			p.nextToken()
		case p.curWord("ignore"):
			td.Directives = append(td.Directives, image.Directive{Kind: image.DirectiveIgnore})
			p.nextToken()
		case p.curWord("kernel"):
			td.Directives = append(td.Directives, image.Directive{Kind: image.DirectiveKernel})
			p.nextToken()
		case p.curWord("size") && kind == image.TypeStruct:
			p.nextToken()
			n := p.parseInt()
			td.Directives = append(td.Directives, image.Directive{Kind: image.DirectiveFixedLayout, Value: int32(n)})
		default:
			p.errorf("unknown type attribute %q", p.curToken.Literal)
			p.nextToken()
		}
	}
	p.endLine()

	for {
		p.skipBlankLines()
		if p.curTokenIs(TokenEOF) {
			p.errorf("missing .end for %s", td.Name)
			break
		}
		if p.curTokenIs(TokenDirective) && p.curToken.Literal == ".end" {
			p.nextToken()
			p.endLine()
			break
		}
		switch {
		case p.curTokenIs(TokenDirective) && p.curToken.Literal == ".field":
			if f := p.parseField(); f != nil {
				td.Fields = append(td.Fields, f)
			}
		case p.curTokenIs(TokenDirective) && p.curToken.Literal == ".method":
			if m := p.parseMethod(td); m != nil {
				td.Methods = append(td.Methods, m)
			}
		default:
			p.errorf("expected .field, .method or .end in %s, got %s", td.Name, p.curToken)
			p.skipLine()
		}
	}
	p.img.AddType(td)
}

func (p *Parser) parseDelegate() {
	p.nextToken() // .delegate
	name, ok := p.expect(TokenIdentifier)
	if !ok {
		p.skipLine()
		return
	}
	params := p.parseParams()
	ret := p.parseTypeSig()
	p.endLine()
	if ret == nil {
		return
	}
	td := &image.TypeDef{Name: name.Literal, Kind: image.TypeDelegate}
	td.Methods = []*image.Method{
		{Name: ".ctor", Return: image.Prim(image.KindVoid), Params: []image.Param{
			{Name: "target", Type: image.Prim(image.KindObject)},
			{Name: "method", Type: image.Prim(image.KindNativeInt)},
		}},
		{Name: "Invoke", Params: params, Return: ret},
	}
	p.img.AddType(td)
}

func (p *Parser) parseField() *image.Field {
	p.nextToken() // .field
	f := &image.Field{}
	if p.curWord("static") {
		f.Static = true
		p.nextToken()
	}
	name, ok := p.expect(TokenIdentifier)
	if !ok {
		p.skipLine()
		return nil
	}
	f.Name = name.Literal
	f.Type = p.parseTypeSig()
	for p.curTokenIs(TokenIdentifier) {
		switch {
		case p.curWord("fixed"):
			p.nextToken()
			f.FixedLen = int(p.parseInt())
		case p.curWord("ignore"):
			f.Directives = append(f.Directives, image.Directive{Kind: image.DirectiveIgnore})
			p.nextToken()
		default:
			if space, ok := spaceWords[p.curToken.Literal]; ok {
				f.Directives = append(f.Directives, image.Directive{Kind: image.DirectiveAddressSpace, Value: int32(space)})
				p.nextToken()
				continue
			}
			p.errorf("unknown field attribute %q", p.curToken.Literal)
			p.nextToken()
		}
	}
	p.endLine()
	if f.Type == nil {
		return nil
	}
	return f
}

var spaceWords = map[string]image.AddressSpace{
	"global":   image.SpaceGlobal,
	"shared":   image.SpaceShared,
	"constant": image.SpaceConstant,
}

var inlineWords = map[string]image.InlineMode{
	"auto":  image.InlineAuto,
	"force": image.InlineForce,
	"no":    image.InlineNo,
}

// parseParams parses "(name type [space], ...)".
func (p *Parser) parseParams() []image.Param {
	if _, ok := p.expect(TokenLParen); !ok {
		return nil
	}
	var params []image.Param
	for !p.curTokenIs(TokenRParen) {
		if len(params) > 0 {
			if _, ok := p.expect(TokenComma); !ok {
				return params
			}
		}
		name, ok := p.expect(TokenIdentifier)
		if !ok {
			return params
		}
		prm := image.Param{Name: name.Literal, Type: p.parseTypeSig()}
		if p.curTokenIs(TokenIdentifier) {
			if space, ok := spaceWords[p.curToken.Literal]; ok {
				prm.Directives = append(prm.Directives, image.Directive{Kind: image.DirectiveAddressSpace, Value: int32(space)})
				p.nextToken()
			}
		}
		params = append(params, prm)
	}
	p.nextToken() // )
	return params
}

func (p *Parser) parseMethod(owner *image.TypeDef) *image.Method {
	p.nextToken() // .method
	m := &image.Method{}
	if p.curWord("static") {
		m.Static = true
		p.nextToken()
	}
	name, ok := p.expect(TokenIdentifier)
	if !ok {
		p.skipLine()
		return nil
	}
	m.Name = name.Literal
	if m.Name == ".cctor" {
		m.Static = true
	}
	m.Params = p.parseParams()
	m.Return = p.parseTypeSig()
	for p.curTokenIs(TokenIdentifier) {
		switch {
		case p.curWord("kernel"):
			m.Directives = append(m.Directives, image.Directive{Kind: image.DirectiveKernel})
			p.nextToken()
		case p.curWord("ignore"):
			m.Directives = append(m.Directives, image.Directive{Kind: image.DirectiveIgnore})
			p.nextToken()
		case p.curWord("inline"):
			p.nextToken()
			p.expect(TokenEquals)
			mode, ok := inlineWords[p.curToken.Literal]
			if !ok {
				p.errorf("unknown inline mode %q", p.curToken.Literal)
			}
			m.Directives = append(m.Directives, image.Directive{Kind: image.DirectiveInline, Value: int32(mode)})
			p.nextToken()
		default:
			p.errorf("unknown method attribute %q", p.curToken.Literal)
			p.nextToken()
		}
	}
	p.endLine()
	m.Owner = owner

	body := &bodyAssembler{p: p, m: m, b: bytecode.NewBuilder(), labels: make(map[string]*bytecode.Label)}
	body.run()
	if m.Return == nil {
		return nil
	}
	return m
}

// ---------------------------------------------------------------------------
// Types and literals
// ---------------------------------------------------------------------------

// parseTypeSig parses a type signature: a name followed by any of [], [,],
// * and & suffixes.
func (p *Parser) parseTypeSig() *image.Type {
	tok, ok := p.expect(TokenIdentifier)
	if !ok {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(tok.Literal)
	for {
		switch {
		case p.curTokenIs(TokenLBracket):
			sb.WriteByte('[')
			p.nextToken()
			for p.curTokenIs(TokenComma) {
				sb.WriteByte(',')
				p.nextToken()
			}
			if _, ok := p.expect(TokenRBracket); !ok {
				return nil
			}
			sb.WriteByte(']')
		case p.curTokenIs(TokenStar):
			sb.WriteByte('*')
			p.nextToken()
		case p.curTokenIs(TokenAmp):
			sb.WriteByte('&')
			p.nextToken()
		default:
			t, err := image.ParseType(sb.String())
			if err != nil {
				p.errorf("%v", err)
				return nil
			}
			return t
		}
	}
}

func (p *Parser) parseInt() int64 {
	tok, ok := p.expect(TokenInteger)
	if !ok {
		return 0
	}
	v, err := strconv.ParseInt(tok.Literal, 0, 64)
	if err != nil {
		// Allow full-range unsigned hex such as 0xFFFFFFFFFFFFFFFF.
		u, uerr := strconv.ParseUint(strings.TrimPrefix(tok.Literal, "-"), 0, 64)
		if uerr != nil || strings.HasPrefix(tok.Literal, "-") {
			p.errorf("invalid integer %q", tok.Literal)
			return 0
		}
		return int64(u)
	}
	return v
}

func (p *Parser) parseFloat() float64 {
	tok := p.curToken
	switch tok.Type {
	case TokenInteger, TokenFloat:
		p.nextToken()
		v, err := strconv.ParseFloat(tok.Literal, 64)
		if err != nil {
			p.errorf("invalid number %q", tok.Literal)
		}
		return v
	case TokenIdentifier:
		switch tok.Literal {
		case "inf":
			p.nextToken()
			return math.Inf(1)
		case "nan":
			p.nextToken()
			return math.NaN()
		}
	}
	p.errorf("expected number, got %s", tok)
	p.nextToken()
	return 0
}
