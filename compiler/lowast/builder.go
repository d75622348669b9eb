package lowast

import (
	"github.com/chazu/kernelize/compiler/diag"
	"github.com/chazu/kernelize/image"
	"github.com/chazu/kernelize/pkg/bytecode"
)

// Build decompiles one method into a Low-Level AST by simulating the
// operand stack over its instructions.
//
// Values left on the stack at a block boundary are stored into generated
// spill variables shared by every predecessor of the successor block.
// Pending stack entries that a statement could observe or clobber are
// spilled to temporaries before the statement is emitted, so evaluation
// order is preserved.
func Build(img *image.Image, mi *image.MethodInfo) (*Body, error) {
	m := mi.Method
	b := &builder{
		img:    img,
		mi:     mi,
		id:     m.FullID(),
		body:   &Body{Method: m, Image: img},
		labels: make(map[int]LabelID),
		entry:  make(map[int][]VarID),
		done:   make(map[int]bool),
	}
	if m.Body.Flags&bytecode.BodyFlagHasHandlers != 0 {
		return nil, diag.Construct(b.id, diag.NoOffset, "exception handlers are not supported")
	}
	b.declareVars()
	b.findBlocks()
	if err := b.run(); err != nil {
		return nil, err
	}
	return b.body, nil
}

type builder struct {
	img  *image.Image
	mi   *image.MethodInfo
	id   string
	body *Body

	stack  []NodeID
	starts map[int]bool
	labels map[int]LabelID // branch target offset -> label
	entry  map[int][]VarID // block offset -> entry spill variables
	done   map[int]bool    // blocks already entered
	in     bytecode.Instruction
}

func (b *builder) declareVars() {
	m := b.mi.Method
	addrTaken := make(map[int]bool)
	for _, in := range b.mi.Instructions {
		switch in.Op {
		case bytecode.OpLdArgA:
			addrTaken[int(in.Int)] = true
		case bytecode.OpLdLocA:
			addrTaken[m.ArgCount()+int(in.Int)] = true
		}
	}
	for i := 0; i < m.ArgCount(); i++ {
		v := Var{Name: m.ArgName(i), Type: m.ArgType(i), Kind: VarArg, Slot: i, AddressTaken: addrTaken[i]}
		p := i
		if m.HasThis() {
			p--
		}
		if p >= 0 {
			v.Space = m.Params[p].Directives.Space()
		}
		b.body.Vars = append(b.body.Vars, v)
	}
	for i, l := range m.Locals {
		b.body.Vars = append(b.body.Vars, Var{
			Name:         l.Name,
			Type:         l.Type,
			Kind:         VarLocal,
			Slot:         i,
			Generated:    l.Generated,
			Pinned:       l.Pinned,
			AddressTaken: addrTaken[m.ArgCount()+i],
		})
	}
}

func (b *builder) findBlocks() {
	b.starts = map[int]bool{0: true}
	for _, in := range b.mi.Instructions {
		if in.Op.IsJump() {
			b.starts[in.Target] = true
			if _, ok := b.labels[in.Target]; !ok {
				b.labels[in.Target] = b.body.NewLabel()
			}
		}
		if in.Op.IsJump() || in.Op.EndsBlock() {
			b.starts[in.End()] = true
		}
	}
}

func (b *builder) run() error {
	ins := b.mi.Instructions
	for i, in := range ins {
		b.in = in
		if b.starts[in.Offset] {
			fallsThrough := i > 0 && !ins[i-1].Op.EndsBlock()
			if err := b.enterBlock(in.Offset, fallsThrough); err != nil {
				return err
			}
		}
		if err := b.step(in); err != nil {
			return err
		}
	}
	end := len(b.mi.Method.Body.Code)
	if l, ok := b.labels[end]; ok {
		b.body.Stmts = append(b.body.Stmts, b.body.Add(Node{Op: OpLabel, Label: l, Ranges: []Range{{end, end}}}))
	}
	return nil
}

func (b *builder) enterBlock(off int, fallsThrough bool) error {
	if fallsThrough && len(b.stack) > 0 {
		if err := b.flowTo(off); err != nil {
			return err
		}
	}
	b.stack = b.stack[:0]
	b.done[off] = true
	if l, ok := b.labels[off]; ok {
		b.body.Stmts = append(b.body.Stmts, b.body.Add(Node{Op: OpLabel, Label: l, Ranges: []Range{{off, off}}}))
	}
	for _, v := range b.entry[off] {
		b.stack = append(b.stack, b.body.Load(v))
	}
	return nil
}

// flowTo stores the current stack into the entry variables of the block
// at off. The stack is left holding reads of those variables.
func (b *builder) flowTo(off int) error {
	vars, ok := b.entry[off]
	if !ok {
		if b.done[off] {
			return b.construct("non-empty stack at backward branch to %04X", off)
		}
		for _, e := range b.stack {
			vars = append(vars, b.body.NewTemp(b.typeOf(e)))
		}
		b.entry[off] = vars
	}
	if len(vars) != len(b.stack) {
		return b.construct("stack depth %d at %04X does not match %d", len(b.stack), off, len(vars))
	}
	vals := append([]NodeID(nil), b.stack...)
	// Values that read a variable assigned earlier in the group go
	// through a temporary first.
	for i, v := range vals {
		for j, target := range vars {
			if j != i && ReadsVar(b.body, v, target) {
				t := b.body.NewTemp(b.typeOf(v))
				b.appendStmt(b.store(t, v))
				vals[i] = b.body.Load(t)
				break
			}
		}
	}
	for i, v := range vals {
		if n := b.body.Node(v); n.Op == OpLoad && n.Var == vars[i] {
			continue
		}
		b.appendStmt(b.store(vars[i], v))
	}
	for i := range b.stack {
		b.stack[i] = b.body.Load(vars[i])
	}
	return nil
}

func (b *builder) construct(format string, args ...interface{}) error {
	return diag.Construct(b.id, b.in.Offset, format, args...)
}

func (b *builder) rng() []Range {
	return []Range{{b.in.Offset, b.in.End()}}
}

func (b *builder) add(n Node) NodeID {
	if n.Ranges == nil {
		n.Ranges = b.rng()
	}
	return b.body.Add(n)
}

func (b *builder) store(v VarID, val NodeID) NodeID {
	return b.add(Node{Op: OpStore, Var: v, Args: []NodeID{val}, Type: b.body.Vars[v].Type})
}

func (b *builder) push(id NodeID) { b.stack = append(b.stack, id) }

func (b *builder) pop() (NodeID, error) {
	if len(b.stack) == 0 {
		return NoNode, b.construct("stack underflow at %s", b.in.Op)
	}
	id := b.stack[len(b.stack)-1]
	b.stack = b.stack[:len(b.stack)-1]
	return id, nil
}

func (b *builder) popN(n int) ([]NodeID, error) {
	if len(b.stack) < n {
		return nil, b.construct("stack underflow at %s", b.in.Op)
	}
	out := append([]NodeID(nil), b.stack[len(b.stack)-n:]...)
	b.stack = b.stack[:len(b.stack)-n]
	return out, nil
}

func (b *builder) typeOf(id NodeID) *image.Type {
	if t := b.body.Node(id).Type; t != nil {
		return t
	}
	return tObject
}

func (b *builder) resolveType(in bytecode.Instruction) (*image.Type, error) {
	t, err := b.img.ResolveType(uint16(in.Int))
	if err != nil {
		return nil, b.construct("%v", err)
	}
	return t, nil
}

func (b *builder) resolveField(in bytecode.Instruction) (*image.Field, error) {
	f, err := b.img.ResolveField(uint16(in.Int))
	if err != nil {
		return nil, b.construct("%v", err)
	}
	return f, nil
}

func (b *builder) resolveMethod(in bytecode.Instruction) (*image.Method, error) {
	m, err := b.img.ResolveMethod(uint16(in.Int))
	if err != nil {
		return nil, b.construct("%v", err)
	}
	return m, nil
}

func (b *builder) argVar(slot int) (VarID, error) {
	if slot >= b.mi.Method.ArgCount() {
		return NoVar, b.construct("argument slot %d out of range", slot)
	}
	return VarID(slot), nil
}

func (b *builder) localVar(slot int) (VarID, error) {
	if slot >= len(b.mi.Method.Locals) {
		return NoVar, b.construct("local slot %d out of range", slot)
	}
	return VarID(b.mi.Method.ArgCount() + slot), nil
}

var binaryOps = map[bytecode.Opcode]struct {
	op       Op
	unsigned bool
	checked  bool
}{
	bytecode.OpAdd:      {OpAdd, false, false},
	bytecode.OpSub:      {OpSub, false, false},
	bytecode.OpMul:      {OpMul, false, false},
	bytecode.OpDiv:      {OpDiv, false, false},
	bytecode.OpDivUn:    {OpDiv, true, false},
	bytecode.OpRem:      {OpRem, false, false},
	bytecode.OpRemUn:    {OpRem, true, false},
	bytecode.OpAddOvf:   {OpAdd, false, true},
	bytecode.OpAddOvfUn: {OpAdd, true, true},
	bytecode.OpSubOvf:   {OpSub, false, true},
	bytecode.OpSubOvfUn: {OpSub, true, true},
	bytecode.OpMulOvf:   {OpMul, false, true},
	bytecode.OpMulOvfUn: {OpMul, true, true},
	bytecode.OpAnd:      {OpAnd, false, false},
	bytecode.OpOr:       {OpOr, false, false},
	bytecode.OpXor:      {OpXor, false, false},
	bytecode.OpShl:      {OpShl, false, false},
	bytecode.OpShr:      {OpShr, false, false},
	bytecode.OpShrUn:    {OpShr, true, false},
	bytecode.OpCeq:      {OpCeq, false, false},
	bytecode.OpCgt:      {OpCgt, false, false},
	bytecode.OpCgtUn:    {OpCgt, true, false},
	bytecode.OpClt:      {OpClt, false, false},
	bytecode.OpCltUn:    {OpClt, true, false},
}

var branchCompares = map[bytecode.Opcode]struct {
	op       Op
	unsigned bool
}{
	bytecode.OpBeq:   {OpCeq, false},
	bytecode.OpBneUn: {OpCne, true},
	bytecode.OpBlt:   {OpClt, false},
	bytecode.OpBltUn: {OpClt, true},
	bytecode.OpBle:   {OpCle, false},
	bytecode.OpBleUn: {OpCle, true},
	bytecode.OpBgt:   {OpCgt, false},
	bytecode.OpBgtUn: {OpCgt, true},
	bytecode.OpBge:   {OpCge, false},
	bytecode.OpBgeUn: {OpCge, true},
}

func (b *builder) step(in bytecode.Instruction) error {
	if in.Op.IsManagedOnly() {
		return diag.Opcode(b.id, in.Offset, "%s requires the managed runtime", in.Op)
	}
	if bo, ok := binaryOps[in.Op]; ok {
		args, err := b.popN(2)
		if err != nil {
			return err
		}
		t := BinaryType(bo.op, b.typeOf(args[0]), b.typeOf(args[1]))
		b.push(b.add(Node{Op: bo.op, Args: args, Type: t, Unsigned: bo.unsigned, Checked: bo.checked}))
		return nil
	}
	if t, ok := convTargets[in.Op]; ok {
		v, err := b.pop()
		if err != nil {
			return err
		}
		b.push(b.add(Node{Op: OpConv, Args: []NodeID{v}, Type: t, Unsigned: in.Op == bytecode.OpConvRUn}))
		return nil
	}
	if bc, ok := branchCompares[in.Op]; ok {
		args, err := b.popN(2)
		if err != nil {
			return err
		}
		cond := b.add(Node{Op: bc.op, Args: args, Type: tBool, Unsigned: bc.unsigned})
		return b.branch(in, cond)
	}

	switch in.Op {
	case bytecode.OpNop:
	case bytecode.OpPop:
		v, err := b.pop()
		if err != nil {
			return err
		}
		if b.hasSideEffects(v) {
			b.emit(v)
		}
	case bytecode.OpDup:
		return b.dup()

	case bytecode.OpLdcI4:
		b.push(b.add(Node{Op: OpInt, Int: in.Int, Type: tI32}))
	case bytecode.OpLdcI8:
		b.push(b.add(Node{Op: OpInt, Int: in.Int, Type: tI64}))
	case bytecode.OpLdcR4:
		b.push(b.add(Node{Op: OpFloat, Float: in.Float, Type: tF32}))
	case bytecode.OpLdcR8:
		b.push(b.add(Node{Op: OpFloat, Float: in.Float, Type: tF64}))
	case bytecode.OpLdNull:
		b.push(b.add(Node{Op: OpNull, Type: tObject}))
	case bytecode.OpLdStr:
		strs := b.mi.Method.Body.Strings
		if int(in.Int) >= len(strs) {
			return b.construct("string #%d out of range", in.Int)
		}
		b.push(b.add(Node{Op: OpString, Str: strs[in.Int], Type: tString}))

	case bytecode.OpLdArg, bytecode.OpLdLoc, bytecode.OpLdArgA, bytecode.OpLdLocA:
		v, err := b.slotVar(in)
		if err != nil {
			return err
		}
		if in.Op == bytecode.OpLdArgA || in.Op == bytecode.OpLdLocA {
			b.push(b.add(Node{Op: OpAddrVar, Var: v, Type: image.ByRefTo(b.body.Vars[v].Type)}))
		} else {
			b.push(b.add(Node{Op: OpLoad, Var: v, Type: b.body.Vars[v].Type}))
		}
	case bytecode.OpStArg, bytecode.OpStLoc:
		v, err := b.slotVar(in)
		if err != nil {
			return err
		}
		val, err := b.pop()
		if err != nil {
			return err
		}
		b.emit(b.store(v, val))

	case bytecode.OpLdFld, bytecode.OpLdFldA:
		f, err := b.resolveField(in)
		if err != nil {
			return err
		}
		obj, err := b.pop()
		if err != nil {
			return err
		}
		if in.Op == bytecode.OpLdFld {
			b.push(b.add(Node{Op: OpField, Field: f, Args: []NodeID{obj}, Type: f.Type}))
		} else {
			b.push(b.add(Node{Op: OpAddrField, Field: f, Args: []NodeID{obj}, Type: FieldAddrType(f)}))
		}
	case bytecode.OpStFld:
		f, err := b.resolveField(in)
		if err != nil {
			return err
		}
		args, err := b.popN(2)
		if err != nil {
			return err
		}
		b.emit(b.add(Node{Op: OpStoreField, Field: f, Args: args, Type: f.Type}))
	case bytecode.OpLdSFld, bytecode.OpLdSFldA:
		f, err := b.resolveField(in)
		if err != nil {
			return err
		}
		if in.Op == bytecode.OpLdSFld {
			b.push(b.add(Node{Op: OpStatic, Field: f, Type: f.Type}))
		} else {
			b.push(b.add(Node{Op: OpAddrStatic, Field: f, Type: image.ByRefTo(f.Type)}))
		}
	case bytecode.OpStSFld:
		f, err := b.resolveField(in)
		if err != nil {
			return err
		}
		v, err := b.pop()
		if err != nil {
			return err
		}
		b.emit(b.add(Node{Op: OpStoreStatic, Field: f, Args: []NodeID{v}, Type: f.Type}))

	case bytecode.OpLdElem, bytecode.OpLdElemA, bytecode.OpLdElemMD, bytecode.OpLdElemAMD:
		t, err := b.resolveType(in)
		if err != nil {
			return err
		}
		rank := 1
		if in.Op == bytecode.OpLdElemMD || in.Op == bytecode.OpLdElemAMD {
			rank = in.Rank
		}
		args, err := b.popN(rank + 1)
		if err != nil {
			return err
		}
		if in.Op == bytecode.OpLdElem || in.Op == bytecode.OpLdElemMD {
			b.push(b.add(Node{Op: OpElem, Args: args, Type: t}))
		} else {
			b.push(b.add(Node{Op: OpAddrElem, Args: args, Type: image.ByRefTo(t)}))
		}
	case bytecode.OpStElem, bytecode.OpStElemMD:
		t, err := b.resolveType(in)
		if err != nil {
			return err
		}
		rank := 1
		if in.Op == bytecode.OpStElemMD {
			rank = in.Rank
		}
		args, err := b.popN(rank + 2)
		if err != nil {
			return err
		}
		b.emit(b.add(Node{Op: OpStoreElem, Args: args, Type: t}))
	case bytecode.OpLdLen:
		arr, err := b.pop()
		if err != nil {
			return err
		}
		b.push(b.add(Node{Op: OpLen, Args: []NodeID{arr}, Type: tI32}))
	case bytecode.OpGetLen:
		arr, err := b.pop()
		if err != nil {
			return err
		}
		b.push(b.add(Node{Op: OpDimLen, Int: in.Int, Args: []NodeID{arr}, Type: tI32}))

	case bytecode.OpLdObj:
		t, err := b.resolveType(in)
		if err != nil {
			return err
		}
		addr, err := b.pop()
		if err != nil {
			return err
		}
		b.push(b.add(Node{Op: OpDeref, Args: []NodeID{addr}, Type: t}))
	case bytecode.OpStObj:
		t, err := b.resolveType(in)
		if err != nil {
			return err
		}
		args, err := b.popN(2)
		if err != nil {
			return err
		}
		b.emit(b.add(Node{Op: OpStoreDeref, Args: args, Type: t}))
	case bytecode.OpInitObj:
		t, err := b.resolveType(in)
		if err != nil {
			return err
		}
		addr, err := b.pop()
		if err != nil {
			return err
		}
		def := b.add(Node{Op: OpDefault, Type: t})
		b.emit(b.add(Node{Op: OpStoreDeref, Args: []NodeID{addr, def}, Type: t}))

	case bytecode.OpNeg, bytecode.OpNot:
		v, err := b.pop()
		if err != nil {
			return err
		}
		op := OpNeg
		if in.Op == bytecode.OpNot {
			op = OpNot
		}
		b.push(b.add(Node{Op: op, Args: []NodeID{v}, Type: Promote(b.typeOf(v))}))

	case bytecode.OpBr:
		if len(b.stack) > 0 {
			if err := b.flowTo(in.Target); err != nil {
				return err
			}
		}
		b.stack = b.stack[:0]
		b.appendStmt(b.add(Node{Op: OpBr, Label: b.labels[in.Target]}))
	case bytecode.OpBrTrue, bytecode.OpBrFalse:
		v, err := b.pop()
		if err != nil {
			return err
		}
		if in.Op == bytecode.OpBrFalse {
			v = b.add(Node{Op: OpLogicalNot, Args: []NodeID{v}, Type: tBool})
		}
		return b.branch(in, v)

	case bytecode.OpCall, bytecode.OpCallVirt, bytecode.OpNewObj:
		return b.call(in)
	case bytecode.OpLdFtn:
		m, err := b.resolveMethod(in)
		if err != nil {
			return err
		}
		b.push(b.add(Node{Op: OpFtn, Method: m, Type: tNative}))

	case bytecode.OpRet:
		n := Node{Op: OpRet}
		if !b.mi.Method.ReturnsVoid() {
			v, err := b.pop()
			if err != nil {
				return err
			}
			n.Args = []NodeID{v}
			n.Type = b.mi.Method.Return
		}
		if len(b.stack) > 0 {
			return b.construct("%d values left on the stack at return", len(b.stack))
		}
		b.appendStmt(b.add(n))
	default:
		return diag.Opcode(b.id, in.Offset, "%s", in.Op)
	}
	return nil
}

func (b *builder) slotVar(in bytecode.Instruction) (VarID, error) {
	switch in.Op {
	case bytecode.OpLdArg, bytecode.OpStArg, bytecode.OpLdArgA:
		return b.argVar(int(in.Int))
	}
	return b.localVar(int(in.Int))
}

func (b *builder) branch(in bytecode.Instruction, cond NodeID) error {
	if len(b.stack) > 0 {
		for _, v := range b.entry[in.Target] {
			if ReadsVar(b.body, cond, v) {
				t := b.body.NewTemp(tBool)
				b.emit(b.store(t, cond))
				cond = b.body.Load(t)
				break
			}
		}
		if err := b.flowTo(in.Target); err != nil {
			return err
		}
	}
	b.emit(b.add(Node{Op: OpBrTrue, Label: b.labels[in.Target], Args: []NodeID{cond}}))
	return nil
}

func (b *builder) call(in bytecode.Instruction) error {
	m, err := b.resolveMethod(in)
	if err != nil {
		return err
	}
	if in.Op == bytecode.OpNewObj {
		if !m.IsCtor() {
			return b.construct("newobj of non-constructor %s", m.ID())
		}
		args, err := b.popN(m.ArgCount() - 1)
		if err != nil {
			return err
		}
		b.push(b.add(Node{Op: OpNewObj, Method: m, Args: args, Type: image.Named(m.Owner.Name)}))
		return nil
	}
	args, err := b.popN(m.ArgCount())
	if err != nil {
		return err
	}
	n := Node{Op: OpCall, Method: m, Args: args}
	if m.ReturnsVoid() {
		b.emit(b.add(n))
		return nil
	}
	n.Type = m.Return
	b.push(b.add(n))
	return nil
}

// dup duplicates the top of stack. Literals are cloned; anything else is
// evaluated once into a generated temporary.
func (b *builder) dup() error {
	v, err := b.pop()
	if err != nil {
		return err
	}
	if b.body.Node(v).Op.IsLiteral() {
		b.push(v)
		b.push(b.body.Clone(v))
		return nil
	}
	t := b.body.NewTemp(b.typeOf(v))
	b.emit(b.store(t, v))
	b.push(b.body.Load(t))
	b.push(b.body.Load(t))
	return nil
}

// emit appends a statement after spilling every pending stack entry whose
// evaluation the statement could reorder.
func (b *builder) emit(stmt NodeID) {
	eff := b.effectOf(stmt)
	if n := b.body.Node(stmt); n.Op == OpStore {
		eff.writes = n.Var
		if b.body.Vars[n.Var].AddressTaken {
			eff.memWrite = true
		}
	}
	high := -1
	for i, e := range b.stack {
		if b.conflicts(e, eff) {
			high = i
		}
	}
	for i := 0; i <= high; i++ {
		e := b.stack[i]
		if b.trivial(e) && !b.conflicts(e, eff) {
			continue
		}
		t := b.body.NewTemp(b.typeOf(e))
		b.appendStmt(b.store(t, e))
		b.stack[i] = b.body.Load(t)
	}
	b.appendStmt(stmt)
}

func (b *builder) appendStmt(id NodeID) {
	b.body.Stmts = append(b.body.Stmts, id)
}

type effect struct {
	memRead  bool
	memWrite bool
	writes   VarID
}

func (b *builder) effectOf(id NodeID) effect {
	r, w := Effects(b.body, id)
	return effect{memRead: r, memWrite: w, writes: NoVar}
}

func (b *builder) conflicts(entry NodeID, stmt effect) bool {
	ee := b.effectOf(entry)
	if ee.memWrite && (stmt.memRead || stmt.memWrite) {
		return true
	}
	if stmt.memWrite && ee.memRead {
		return true
	}
	return stmt.writes != NoVar && ReadsVar(b.body, entry, stmt.writes)
}

func (b *builder) trivial(id NodeID) bool {
	n := b.body.Node(id)
	switch {
	case n.Op.IsLiteral(), n.Op == OpAddrVar, n.Op == OpAddrStatic, n.Op == OpFtn:
		return true
	case n.Op == OpLoad:
		return !b.body.Vars[n.Var].AddressTaken
	}
	return false
}

func (b *builder) hasSideEffects(id NodeID) bool {
	e := b.effectOf(id)
	return e.memWrite
}
