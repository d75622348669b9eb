package asm

import (
	"github.com/chazu/kernelize/image"
	"github.com/chazu/kernelize/pkg/bytecode"
)

// bodyAssembler assembles the instruction lines of one method up to its
// .end.
type bodyAssembler struct {
	p      *Parser
	m      *image.Method
	b      *bytecode.Builder
	labels map[string]*bytecode.Label
}

func (a *bodyAssembler) label(name string) *bytecode.Label {
	l, ok := a.labels[name]
	if !ok {
		l = a.b.NewLabel(name)
		a.labels[name] = l
	}
	return l
}

func (a *bodyAssembler) run() {
	p := a.p
	for {
		p.skipBlankLines()
		if p.curTokenIs(TokenEOF) {
			p.errorf("missing .end for method %s", a.m.Name)
			return
		}
		if p.curTokenIs(TokenError) {
			p.errorf("%s", p.curToken.Literal)
			p.skipLine()
			continue
		}
		if p.curTokenIs(TokenDirective) {
			switch p.curToken.Literal {
			case ".end":
				p.nextToken()
				p.endLine()
				body, err := a.b.Finish()
				if err != nil {
					p.errorf("method %s: %v", a.m.Name, err)
					return
				}
				a.m.Body = body
				return
			case ".local":
				a.local()
				continue
			}
			p.errorf("unexpected %s inside method %s", p.curToken.Literal, a.m.Name)
			p.skipLine()
			continue
		}
		if p.curTokenIs(TokenLabel) {
			if err := a.b.Mark(a.label(p.curToken.Literal)); err != nil {
				p.errorf("%v", err)
			}
			p.nextToken()
			if p.curTokenIs(TokenNewline) || p.curTokenIs(TokenEOF) {
				continue
			}
		}
		a.instruction()
	}
}

func (a *bodyAssembler) local() {
	p := a.p
	p.nextToken() // .local
	name, ok := p.expect(TokenIdentifier)
	if !ok {
		p.skipLine()
		return
	}
	l := image.Local{Name: name.Literal, Type: p.parseTypeSig()}
	for p.curTokenIs(TokenIdentifier) {
		switch {
		case p.curWord("generated"):
			l.Generated = true
		case p.curWord("pinned"):
			l.Pinned = true
		default:
			p.errorf("unknown local attribute %q", p.curToken.Literal)
		}
		p.nextToken()
	}
	p.endLine()
	if l.Type != nil {
		a.m.Locals = append(a.m.Locals, l)
	}
}

func (a *bodyAssembler) instruction() {
	p := a.p
	tok, ok := p.expect(TokenIdentifier)
	if !ok {
		p.skipLine()
		return
	}
	op, known := bytecode.Lookup(tok.Literal)
	if !known {
		p.errorf("unknown instruction %q", tok.Literal)
		p.skipLine()
		return
	}

	switch op.GetInfo().Operand {
	case bytecode.OperandNone:
		a.b.Op(op)
	case bytecode.OperandI32:
		a.b.I4(int32(p.parseInt()))
	case bytecode.OperandI64:
		a.b.I8(p.parseInt())
	case bytecode.OperandF32:
		a.b.R4(float32(p.parseFloat()))
	case bytecode.OperandF64:
		a.b.R8(p.parseFloat())
	case bytecode.OperandString:
		s, _ := p.expect(TokenString)
		a.b.Str(s.Literal)
	case bytecode.OperandSlot:
		a.b.Slot(op, a.slot(op))
	case bytecode.OperandToken:
		a.b.Token(op, a.token(op))
	case bytecode.OperandBranch:
		l, ok := p.expect(TokenIdentifier)
		if ok {
			a.b.Jump(op, a.label(l.Literal))
		}
	case bytecode.OperandRank:
		tok := a.typeToken()
		rank := p.parseInt()
		if rank < 2 || rank > 255 {
			p.errorf("%s needs a rank between 2 and 255, got %d", op, rank)
		}
		a.b.Rank(op, tok, uint8(rank))
	case bytecode.OperandDim:
		dim := p.parseInt()
		if dim < 0 || dim > 255 {
			p.errorf("dimension %d out of range", dim)
		}
		a.b.Dim(uint8(dim))
	}
	p.endLine()
}

// slot resolves an argument or local operand by name or index.
func (a *bodyAssembler) slot(op bytecode.Opcode) uint16 {
	p := a.p
	if p.curTokenIs(TokenInteger) {
		return uint16(p.parseInt())
	}
	tok, ok := p.expect(TokenIdentifier)
	if !ok {
		return 0
	}
	switch op {
	case bytecode.OpLdArg, bytecode.OpStArg, bytecode.OpLdArgA:
		for i := 0; i < a.m.ArgCount(); i++ {
			if a.argName(i) == tok.Literal {
				return uint16(i)
			}
		}
		p.errorf("unknown argument %q", tok.Literal)
	default:
		for i, l := range a.m.Locals {
			if l.Name == tok.Literal {
				return uint16(i)
			}
		}
		p.errorf("unknown local %q (declare it with .local before use)", tok.Literal)
	}
	return 0
}

// argName mirrors Method.ArgName without needing a linked owner.
func (a *bodyAssembler) argName(i int) string {
	if !a.m.Static {
		if i == 0 {
			return "this"
		}
		i--
	}
	if i < len(a.m.Params) {
		return a.m.Params[i].Name
	}
	return ""
}

func (a *bodyAssembler) intern(ref image.MemberRef) uint16 {
	tok, err := a.p.img.Intern(ref)
	if err != nil {
		a.p.errorf("%v", err)
	}
	return tok
}

func (a *bodyAssembler) typeToken() uint16 {
	t := a.p.parseTypeSig()
	if t == nil {
		return 0
	}
	return a.intern(image.MemberRef{Kind: image.MemberType, Type: t})
}

// token interns the member operand of op.
func (a *bodyAssembler) token(op bytecode.Opcode) uint16 {
	p := a.p
	switch op {
	case bytecode.OpLdFld, bytecode.OpStFld, bytecode.OpLdFldA,
		bytecode.OpLdSFld, bytecode.OpStSFld, bytecode.OpLdSFldA:
		owner, name, ok := a.memberName()
		if !ok {
			return 0
		}
		return a.intern(image.MemberRef{Kind: image.MemberField, Owner: owner, Name: name})
	case bytecode.OpCall, bytecode.OpCallVirt, bytecode.OpNewObj, bytecode.OpLdFtn:
		owner, name, ok := a.memberName()
		if !ok {
			return 0
		}
		ref := image.MemberRef{Kind: image.MemberMethod, Owner: owner, Name: name}
		if p.curTokenIs(TokenLess) {
			p.nextToken()
			ref.Generic = p.parseTypeSig()
			p.expect(TokenGreater)
		}
		if p.curTokenIs(TokenLParen) {
			p.nextToken()
			ref.HasSig = true
			for !p.curTokenIs(TokenRParen) {
				if len(ref.Sig) > 0 {
					if _, ok := p.expect(TokenComma); !ok {
						return 0
					}
				}
				t := p.parseTypeSig()
				if t == nil {
					return 0
				}
				ref.Sig = append(ref.Sig, t)
			}
			p.nextToken() // )
		}
		return a.intern(ref)
	}
	return a.typeToken()
}

func (a *bodyAssembler) memberName() (owner, name string, ok bool) {
	p := a.p
	tok, ok := p.expect(TokenIdentifier)
	if !ok {
		return "", "", false
	}
	i := len(tok.Literal)
	for j := 0; j+1 < len(tok.Literal); j++ {
		if tok.Literal[j] == ':' && tok.Literal[j+1] == ':' {
			i = j
		}
	}
	if i == len(tok.Literal) {
		p.errorf("member reference %q must be written Owner::name", tok.Literal)
		return "", "", false
	}
	return tok.Literal[:i], tok.Literal[i+2:], true
}
