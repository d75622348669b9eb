// Package codegen prints High-Level AST programs as kernel source in the
// CUDA or OpenCL C dialect, and describes the entry points of the result.
package codegen

import (
	"fmt"
	"strings"

	"github.com/tliron/commonlog"

	"github.com/chazu/kernelize/compiler/diag"
	"github.com/chazu/kernelize/compiler/highast"
	"github.com/chazu/kernelize/image"
)

var log = commonlog.GetLogger("kernelize.codegen")

// Dialect selects the kernel language.
type Dialect string

const (
	CUDA   Dialect = "cuda"
	OpenCL Dialect = "opencl"
)

// ParseDialect accepts the dialect names used by the CLI and manifests.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "cuda", "ptx":
		return CUDA, nil
	case "opencl", "cl":
		return OpenCL, nil
	}
	return "", fmt.Errorf("unknown dialect %q", s)
}

// Param is one host-visible parameter of a kernel entry. Type is an image
// type signature such as "i32", "f32[]" or "ComplexF".
type Param struct {
	Name  string
	Type  string
	Space string `cbor:",omitempty"`
}

// Entry is the launch signature of a kernel entry point. Constants lists
// the constant regions passed as trailing parameters, in order.
type Entry struct {
	Name      string
	Params    []Param
	Constants []string `cbor:",omitempty"`
}

// Constant describes a constant region declared by the program.
type Constant struct {
	Name string
	Elem string
	Len  int
}

// Result is an emitted translation unit.
type Result struct {
	Source    string
	Entries   []Entry
	Constants []Constant
	Warnings  []string
}

// Entry returns the entry called name.
func (r *Result) Entry(name string) (Entry, bool) {
	for _, e := range r.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Emit prints p in dialect d.
func Emit(p *highast.Program, d Dialect) (*Result, error) {
	if d != CUDA && d != OpenCL {
		return nil, fmt.Errorf("unknown dialect %q", d)
	}
	e := &emitter{
		d:      d,
		prog:   p,
		consts: constantUses(p),
	}
	e.program()
	if e.err != nil {
		return nil, e.err
	}
	res := &Result{Source: e.header() + e.sb.String(), Warnings: e.warnings}
	for _, fn := range p.Functions {
		if fn.Entry {
			res.Entries = append(res.Entries, e.entry(fn))
		}
	}
	for _, g := range p.Globals {
		if g.Space == image.SpaceConstant {
			res.Constants = append(res.Constants, Constant{Name: g.Name, Elem: g.Type.String(), Len: g.Len})
		}
	}
	log.Debugf("emitted %s for %s: %d entries, %d bytes", d, p.Name, len(res.Entries), len(res.Source))
	return res, nil
}

type emitter struct {
	sb     strings.Builder
	indent int
	d      Dialect
	prog   *highast.Program
	fn     *highast.Function
	consts map[*highast.Function][]*highast.Global

	usesHalf   bool
	usesDouble bool
	usesWarp   bool
	usesCL20   bool
	warned     map[string]bool
	warnings   []string
	err        error
}

// writeLine writes an indented line to the output.
func (e *emitter) writeLine(format string, args ...interface{}) {
	for i := 0; i < e.indent; i++ {
		e.sb.WriteString("\t")
	}
	e.sb.WriteString(fmt.Sprintf(format, args...))
	e.sb.WriteString("\n")
}

// fail records the first error and returns a placeholder.
func (e *emitter) fail(err error) string {
	if e.err == nil {
		e.err = err
	}
	return "/*error*/"
}

func (e *emitter) construct(format string, args ...interface{}) string {
	id := ""
	if e.fn != nil {
		id = e.fn.ID
	}
	return e.fail(diag.Construct(id, diag.NoOffset, format, args...))
}

func (e *emitter) warn(msg string) {
	if e.warned == nil {
		e.warned = make(map[string]bool)
	}
	if !e.warned[msg] {
		e.warned[msg] = true
		e.warnings = append(e.warnings, msg)
	}
}

func (e *emitter) header() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "// Code generated by kernelize from %s. DO NOT EDIT.\n", e.prog.Name)
	switch e.d {
	case CUDA:
		if e.usesHalf {
			sb.WriteString("#include <cuda_fp16.h>\n")
		}
	case OpenCL:
		if e.usesDouble {
			sb.WriteString("#pragma OPENCL EXTENSION cl_khr_fp64 : enable\n")
		}
		if e.usesHalf {
			sb.WriteString("#pragma OPENCL EXTENSION cl_khr_fp16 : enable\n")
		}
		if e.usesWarp {
			sb.WriteString("#define KZ_WARP_SIZE 32\n")
		}
		if e.usesCL20 {
			sb.WriteString("#if __OPENCL_C_VERSION__ < 200\n")
			sb.WriteString("#error \"program-scope __global variables need OpenCL C 2.0 (-cl-std=CL2.0)\"\n")
			sb.WriteString("#endif\n")
		}
	}
	return sb.String()
}

func (e *emitter) program() {
	for _, s := range e.prog.Structs {
		e.writeLine("")
		e.structDecl(s)
	}
	e.globals()

	var device []*highast.Function
	for _, fn := range e.prog.Functions {
		if !fn.Entry {
			device = append(device, fn)
		}
	}
	if len(device) > 0 {
		e.writeLine("")
		for _, fn := range device {
			e.fn = fn
			e.writeLine("%s;", e.signature(fn))
		}
	}
	for _, fn := range e.prog.Functions {
		e.writeLine("")
		e.function(fn)
	}
	e.fn = nil
}

func (e *emitter) structDecl(s *highast.Struct) {
	attr := ""
	if s.Packed {
		attr = " __attribute__((packed))"
	}
	if e.d == CUDA {
		e.writeLine("struct%s %s {", attr, s.Name)
	} else {
		e.writeLine("typedef struct%s {", attr)
	}
	e.indent++
	pos, pad := 0, 0
	for _, f := range s.Fields {
		if s.Packed && f.Offset > pos {
			e.writeLine("%s _pad%d[%d];", e.byteType(), pad, f.Offset-pos)
			pad++
		}
		if f.FixedLen > 0 {
			e.writeLine("%s %s[%d];", e.ctype(f.Type), f.Name, f.FixedLen)
			pos = f.Offset + f.FixedLen*f.Type.ScalarSize()
		} else {
			e.writeLine("%s %s;", e.ctype(f.Type), f.Name)
			pos = f.Offset + e.sizeOf(f.Type)
		}
	}
	if s.Packed && s.Size > pos {
		e.writeLine("%s _pad%d[%d];", e.byteType(), pad, s.Size-pos)
	}
	e.indent--
	if e.d == CUDA {
		e.writeLine("};")
	} else {
		e.writeLine("} %s;", s.Name)
	}
}

func (e *emitter) sizeOf(t *image.Type) int {
	if t.Kind == image.KindNamed {
		if s := e.prog.Struct(t.Name); s != nil {
			return s.Size
		}
	}
	return t.ScalarSize()
}

func (e *emitter) globals() {
	first := true
	for _, g := range e.prog.Globals {
		if e.d == OpenCL && g.Space == image.SpaceConstant {
			continue
		}
		if first {
			e.writeLine("")
			first = false
		}
		qual := "__device__"
		switch {
		case e.d == CUDA && g.Space == image.SpaceConstant:
			qual = "__constant__"
		case e.d == OpenCL:
			// Mutable program-scope storage arrived with OpenCL C 2.0.
			qual = "__global"
			e.usesCL20 = true
			e.warn(fmt.Sprintf("global %s needs OpenCL C 2.0", g.Name))
		}
		decl := fmt.Sprintf("%s %s %s", qual, e.ctype(g.Type), g.Name)
		if g.Len > 0 {
			decl += fmt.Sprintf("[%d]", g.Len)
		}
		if g.Init != nil && g.Len == 0 {
			decl += " = " + e.expr(g.Init)
		}
		e.writeLine("%s;", decl)
	}
}

// signature renders the declaration line of fn without a trailing brace.
func (e *emitter) signature(fn *highast.Function) string {
	var sb strings.Builder
	switch {
	case fn.Entry && e.d == CUDA:
		sb.WriteString(`extern "C" __global__ `)
	case fn.Entry:
		sb.WriteString("__kernel ")
	case e.d == CUDA:
		sb.WriteString("__device__ ")
		switch fn.Inline {
		case image.InlineForce:
			sb.WriteString("__forceinline__ ")
		case image.InlineNo:
			sb.WriteString("__noinline__ ")
		}
	default:
		switch fn.Inline {
		case image.InlineForce:
			sb.WriteString("inline ")
		case image.InlineNo:
			sb.WriteString("__attribute__((noinline)) ")
		}
	}
	ret := "void"
	if fn.Return != nil {
		ret = e.ctype(fn.Return)
	}
	fmt.Fprintf(&sb, "%s %s(", ret, fn.Name)
	var params []string
	for _, p := range fn.Params {
		if p.Thread {
			continue
		}
		params = append(params, e.paramDecl(p)...)
	}
	if e.d == OpenCL {
		for _, g := range e.consts[fn] {
			params = append(params, fmt.Sprintf("__constant %s* %s", e.ctype(g.Type), g.Name))
		}
	}
	sb.WriteString(strings.Join(params, ", "))
	sb.WriteString(")")
	return sb.String()
}

func (e *emitter) paramDecl(p *highast.Var) []string {
	if p.Type.Kind != image.KindArray {
		return []string{e.declare(p.Type, p.Name, p.Space)}
	}
	out := []string{e.pointerTo(p.Type.Elem, p.Space) + " " + p.Name}
	for _, ext := range extents(p.Name, p.Type.Rank) {
		out = append(out, "int "+ext)
	}
	return out
}

// extents names the companion length variables of an array variable.
func extents(name string, rank int) []string {
	if rank == 2 {
		return []string{name + "Len0", name + "Len1", name + "Pitch"}
	}
	return []string{name + "Len0"}
}

func (e *emitter) entry(fn *highast.Function) Entry {
	en := Entry{Name: fn.Name}
	for _, p := range fn.Params {
		if p.Thread {
			continue
		}
		pr := Param{Name: p.Name, Type: p.Type.String()}
		if p.Space != image.SpaceDefault {
			pr.Space = p.Space.String()
		}
		en.Params = append(en.Params, pr)
	}
	if e.d == OpenCL {
		for _, g := range e.consts[fn] {
			en.Constants = append(en.Constants, g.Name)
		}
	}
	return en
}

func (e *emitter) function(fn *highast.Function) {
	e.fn = fn
	e.writeLine("%s {", e.signature(fn))
	e.indent++
	for _, v := range fn.Locals {
		e.local(v)
	}
	e.stmts(fn.Body)
	e.indent--
	e.writeLine("}")
}

func (e *emitter) local(v *highast.Var) {
	if v.Space == image.SpaceShared {
		if v.Type.Kind != image.KindArray || v.SharedLen <= 0 {
			e.construct("shared local %s is not a fixed-length array", v.Name)
			return
		}
		if e.d == OpenCL && !e.fn.Entry {
			e.construct("shared array %s allocated outside a kernel entry", v.Name)
			return
		}
		qual := "__shared__"
		if e.d == OpenCL {
			qual = "__local"
		}
		e.writeLine("%s %s %s[%d];", qual, e.ctype(v.Type.Elem), v.Name, v.SharedLen)
		return
	}
	if v.Type.Kind == image.KindArray {
		e.writeLine("%s %s;", e.pointerTo(v.Type.Elem, v.Space), v.Name)
		for _, ext := range extents(v.Name, v.Type.Rank) {
			e.writeLine("int %s;", ext)
		}
		return
	}
	e.writeLine("%s;", e.declare(v.Type, v.Name, v.Space))
}

// constantUses maps each function to the constant regions it reads
// directly or through its callees, in program order.
func constantUses(p *highast.Program) map[*highast.Function][]*highast.Global {
	direct := make(map[*highast.Function]map[*highast.Global]bool)
	for _, fn := range p.Functions {
		set := make(map[*highast.Global]bool)
		highast.WalkStmts(fn.Body, func(s highast.Stmt) bool {
			for _, x := range highast.StmtExprs(s) {
				highast.WalkExpr(x, func(x highast.Expr) bool {
					if r, ok := x.(*highast.GlobalRef); ok && r.Global.Space == image.SpaceConstant {
						set[r.Global] = true
					}
					return true
				})
			}
			return true
		})
		direct[fn] = set
	}
	out := make(map[*highast.Function][]*highast.Global)
	for _, fn := range p.Functions {
		all := make(map[*highast.Global]bool)
		seen := make(map[*highast.Function]bool)
		var visit func(f *highast.Function)
		visit = func(f *highast.Function) {
			if seen[f] {
				return
			}
			seen[f] = true
			for g := range direct[f] {
				all[g] = true
			}
			for _, c := range highast.Calls(f) {
				visit(c)
			}
		}
		visit(fn)
		for _, g := range p.Globals {
			if all[g] {
				out[fn] = append(out[fn], g)
			}
		}
	}
	return out
}
