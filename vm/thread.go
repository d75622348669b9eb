package vm

import (
	"fmt"

	"github.com/chazu/kernelize/compiler/highast"
	"github.com/chazu/kernelize/image"
)

// frame is the activation of one function call.
type frame struct {
	fn  *highast.Function
	lay *layout
	mem *Region
	ret Value
}

// thread runs one kernel thread.
type thread struct {
	m     *Machine
	l     *launch
	blk   *block
	tid   [3]int
	stack []*frame
	temps map[*Region]uint64
}

// run calls f, turning a fault into an error.
func (th *thread) run(f func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			ft, ok := r.(fault)
			if !ok {
				panic(r)
			}
			err = ft.err
		}
	}()
	f()
	return nil
}

func (th *thread) runEntry() error {
	err := th.run(func() { th.invoke(th.l.fn, th.l.args) })
	if err != nil {
		return fmt.Errorf("block %v thread %v: %w", th.blk.idx, th.tid, err)
	}
	return nil
}

// invoke calls fn with one argument per non-thread parameter.
func (th *thread) invoke(fn *highast.Function, args []Value) Value {
	lay := th.m.layouts[fn]
	fr := &frame{fn: fn, lay: lay, mem: NewRegion(fn.Name, image.SpaceDefault, lay.size)}
	th.stack = append(th.stack, fr)
	defer func() { th.stack = th.stack[:len(th.stack)-1] }()

	i := 0
	for _, p := range fn.Params {
		if p.Thread {
			continue
		}
		th.store(Ref{fr.mem, lay.off[p]}, p.Type, args[i])
		i++
	}
	for _, v := range fn.Locals {
		if v.Space == image.SpaceShared {
			th.bindShared(fr, v)
		}
	}
	th.exec(fn.Body)
	return fr.ret
}

func (th *thread) bindShared(fr *frame, v *highast.Var) {
	if th.blk == nil {
		th.fault(ErrUnsupported, "shared memory outside a launch")
	}
	r := th.blk.shared[v]
	th.store(Ref{fr.mem, fr.lay.off[v]}, v.Type, Array(r, v.SharedLen))
}

func (th *thread) top() *frame { return th.stack[len(th.stack)-1] }

// slot addresses a parameter or local of the running function.
func (th *thread) slot(v *highast.Var) Ref {
	fr := th.top()
	off, ok := fr.lay.off[v]
	if !ok {
		th.fault(ErrUnsupported, "%s has no storage in %s", v.Name, fr.fn.Name)
	}
	return Ref{fr.mem, off}
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

type control uint8

const (
	next control = iota
	brk
	cont
	ret
)

func (th *thread) exec(stmts []highast.Stmt) control {
	for _, s := range stmts {
		if c := th.stmt(s); c != next {
			return c
		}
	}
	return next
}

func (th *thread) stmt(s highast.Stmt) control {
	switch s := s.(type) {
	case nil:
		return next
	case *highast.ExprStmt:
		th.eval(s.X)
	case *highast.Return:
		fr := th.top()
		switch {
		case s.X != nil:
			fr.ret = th.eval(s.X)
		case fr.fn.Ctor && fr.fn.Self != nil:
			fr.ret = th.load(th.slot(fr.fn.Self), fr.fn.Self.Type)
		}
		return ret
	case *highast.If:
		if th.cond(s.Cond) {
			return th.exec(s.Then)
		}
		return th.exec(s.Else)
	case *highast.While:
		for th.cond(s.Cond) {
			if c := th.exec(s.Body); c == brk {
				break
			} else if c == ret {
				return ret
			}
		}
	case *highast.DoWhile:
		for {
			c := th.exec(s.Body)
			if c == brk {
				break
			}
			if c == ret {
				return ret
			}
			if !th.cond(s.Cond) {
				break
			}
		}
	case *highast.For:
		th.stmt(s.Init)
		for s.Cond == nil || th.cond(s.Cond) {
			c := th.exec(s.Body)
			if c == brk {
				break
			}
			if c == ret {
				return ret
			}
			th.stmt(s.Post)
		}
	case *highast.Break:
		return brk
	case *highast.Continue:
		return cont
	case *highast.Fixed:
		slot := th.slot(s.Var)
		th.store(slot, s.Var.Type, th.eval(s.Init))
		c := th.exec(s.Body)
		th.store(slot, s.Var.Type, Value{})
		return c
	case *highast.Barrier:
		if th.blk == nil || th.blk.bar == nil {
			th.fault(ErrUnsupported, "barrier outside a synchronizing launch")
		}
		th.blk.bar.wait()
	default:
		th.fault(ErrUnsupported, "statement %T", s)
	}
	return next
}

// cond evaluates a branch condition.
func (th *thread) cond(x highast.Expr) bool {
	return truth(x.Type(), th.eval(x))
}

func truth(t *image.Type, v Value) bool {
	switch {
	case t == nil:
		return v.I != 0
	case isFloating(t):
		return v.F != 0
	case t.IsAddress() || t.Kind == image.KindArray:
		return !v.Ref.IsNull()
	}
	return v.I != 0
}
