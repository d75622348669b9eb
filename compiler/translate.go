// Package compiler runs translation sessions: it selects the methods of an
// assembly image, takes each one through the Low-Level AST builder, the
// peephole normalizer and the High-Level AST builder, and collects the
// per-method failures that exclude a method from the resulting program.
package compiler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/kernelize/compiler/diag"
	"github.com/chazu/kernelize/compiler/hash"
	"github.com/chazu/kernelize/compiler/highast"
	"github.com/chazu/kernelize/compiler/lowast"
	"github.com/chazu/kernelize/compiler/peephole"
	"github.com/chazu/kernelize/image"
)

var log = commonlog.GetLogger("kernelize.compiler")

// Options configures a translation session.
type Options struct {
	// Name labels the program; it defaults to the image name.
	Name string
	// FailFast aborts the session on the first method that cannot be
	// translated instead of excluding it.
	FailFast bool
	// Workers bounds the number of method bodies decoded and normalized
	// concurrently. Zero means GOMAXPROCS.
	Workers int
}

// Result is the outcome of a translation session.
type Result struct {
	Session uuid.UUID
	Program *highast.Program
	Report  *Report

	// Fingerprints holds the content fingerprint of every method the
	// program was translated from, keyed by full method id.
	Fingerprints map[string]uint64
}

// Translate translates the methods selected by names, and every method
// they call, into one program. Names are full method ids (Owner::name or
// Owner::name(sig)) or type names; no names selects every method marked
// for translation.
//
// A method that cannot be translated is excluded and recorded in the
// report, together with every method that calls it. The returned error is
// non-nil only for failures outside individual methods, or for the first
// method failure when FailFast is set.
func Translate(ctx context.Context, r *image.Reader, names []string, opts Options) (*Result, error) {
	methods, err := Select(r.Image, names)
	if err != nil {
		return nil, err
	}
	s := newSession(r, opts)
	log.Infof("session %s: translating %d methods of %s", s.id, len(methods), r.Image.Name)

	if err := s.prepare(ctx, methods); err != nil {
		return nil, err
	}
	if err := s.run(methods); err != nil {
		return nil, err
	}
	res := &Result{
		Session:      s.id,
		Program:      s.decls.Prog,
		Report:       s.report,
		Fingerprints: make(map[string]uint64),
	}
	for _, fn := range s.decls.Prog.Functions {
		m := s.decls.Method(fn)
		fp, err := hash.Fingerprint(r.Image, m)
		if err != nil {
			return nil, fmt.Errorf("fingerprint %s: %w", m.FullID(), err)
		}
		res.Fingerprints[m.FullID()] = fp
	}
	log.Infof("session %s: %d functions, %d entries, %d excluded",
		s.id, len(res.Program.Functions), len(res.Program.Entries()), len(s.report.Errors))
	return res, nil
}

// Select resolves method and type names to the methods to translate.
func Select(img *image.Image, names []string) ([]*image.Method, error) {
	var out []*image.Method
	seen := make(map[*image.Method]bool)
	add := func(m *image.Method) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	if len(names) == 0 {
		for _, td := range img.Types {
			for _, m := range td.Methods {
				if selectable(m) {
					add(m)
				}
			}
		}
		return out, nil
	}
	r := image.NewReader(img)
	for _, name := range names {
		if strings.Contains(name, "::") {
			mi, err := r.Method(name)
			if err != nil {
				return nil, err
			}
			add(mi.Method)
			continue
		}
		td, ok := img.TypeDef(name)
		if !ok {
			return nil, fmt.Errorf("type %s: %w", name, image.ErrNotFound)
		}
		for _, m := range td.Methods {
			if selectable(m) {
				add(m)
			}
		}
	}
	return out, nil
}

// selectable reports whether m is picked up by a type-wide selection.
// Constructors are only translated when something constructs the type.
func selectable(m *image.Method) bool {
	return m.Directives.Kernel() && !m.Directives.Ignored() && !m.IsCtor() && !m.IsStaticCtor()
}

type session struct {
	id     uuid.UUID
	r      *image.Reader
	opts   Options
	decls  *highast.Decls
	report *Report

	mu     sync.Mutex
	bodies map[*image.Method]*lowast.Body
	shapes map[*image.TypeDef]*peephole.TypeShape
	failed map[*image.Method]bool
}

func newSession(r *image.Reader, opts Options) *session {
	name := opts.Name
	if name == "" {
		name = r.Image.Name
	}
	return &session{
		id:     uuid.New(),
		r:      r,
		opts:   opts,
		decls:  highast.NewDecls(r.Image, name),
		report: &Report{},
		bodies: make(map[*image.Method]*lowast.Body),
		shapes: make(map[*image.TypeDef]*peephole.TypeShape),
		failed: make(map[*image.Method]bool),
	}
}

// prepare decodes and normalizes the selected bodies concurrently. Bodies
// that fail here are built again, and reported, when they are lowered.
func (s *session) prepare(ctx context.Context, methods []*image.Method) error {
	g, ctx := errgroup.WithContext(ctx)
	workers := s.opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	g.SetLimit(workers)
	for _, m := range methods {
		if highast.Translatable(m) != nil {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			body, err := s.build(m)
			if err != nil {
				log.Debugf("prepare %s: %v", m.FullID(), err)
				return nil
			}
			s.mu.Lock()
			s.bodies[m] = body
			s.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

func (s *session) build(m *image.Method) (*lowast.Body, error) {
	mi, err := s.r.MethodOf(m)
	if err != nil {
		return nil, err
	}
	body, err := lowast.Build(s.r.Image, mi)
	if err != nil {
		return nil, err
	}
	res := peephole.Normalize(body)
	if res.Fallback {
		log.Warningf("%s: normalizer fell back to the unoptimized body: %v", m.FullID(), res.Reason)
	} else {
		log.Debugf("%s: normalized in %d rounds, %d rewrites", m.FullID(), res.Rounds, res.Rewrites)
	}
	return body, nil
}

func (s *session) body(m *image.Method) (*lowast.Body, error) {
	s.mu.Lock()
	b, ok := s.bodies[m]
	s.mu.Unlock()
	if ok {
		return b, nil
	}
	b, err := s.build(m)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.bodies[m] = b
	s.mu.Unlock()
	return b, nil
}

// shape normalizes the constructors of td once per session.
func (s *session) shape(td *image.TypeDef) *peephole.TypeShape {
	if sh, ok := s.shapes[td]; ok {
		return sh
	}
	bodies := make(map[*image.Method]*lowast.Body)
	for _, m := range td.Methods {
		if !m.IsCtor() && !m.IsStaticCtor() {
			continue
		}
		if b, err := s.body(m); err == nil {
			bodies[m] = b
		}
	}
	sh := peephole.NormalizeType(td, bodies)
	s.shapes[td] = &sh
	if sh.ElidedCtor != nil {
		log.Debugf("%s: empty constructor elided", td.Name)
	}
	return &sh
}

func (s *session) run(methods []*image.Method) error {
	for _, m := range methods {
		if _, err := s.decls.Function(m); err != nil {
			if err := s.fail(m, err); err != nil {
				return err
			}
		}
	}
	for {
		m, ok := s.decls.Next()
		if !ok {
			break
		}
		fn := s.decls.Declared(m)
		if fn == nil {
			continue
		}
		log.Debugf("lowering %s as %s", m.FullID(), fn.Name)
		if err := s.lower(m, fn); err != nil {
			s.decls.Drop(fn)
			if err := s.fail(m, err); err != nil {
				return err
			}
		}
	}
	if err := s.globals(); err != nil {
		return err
	}
	return s.finish()
}

func (s *session) lower(m *image.Method, fn *highast.Function) error {
	body, err := s.body(m)
	if err != nil {
		return err
	}
	var inits []peephole.Init
	if m.IsCtor() {
		sh := s.shape(m.Owner)
		inits = sh.FieldInits
		st, err := s.decls.Struct(m.Owner.Name)
		if err != nil {
			return diag.Construct(m.FullID(), diag.NoOffset, "%v", err)
		}
		for _, in := range sh.FieldInits {
			x, err := highast.LowerInit(s.decls, in)
			if err != nil {
				return err
			}
			if f := st.Field(in.Field.Name); f != nil {
				f.Init = x
			}
		}
	}
	return highast.Lower(s.decls, fn, body, inits)
}

// globals attaches the static initializers of each referenced region.
// A region whose type initializer does more than assign constants cannot
// be initialized on the device; the functions using it are excluded.
func (s *session) globals() error {
	for _, g := range append([]*highast.Global(nil), s.decls.Prog.Globals...) {
		f := s.decls.StaticField(g)
		if f == nil {
			continue
		}
		td := f.Owner
		cc := td.StaticConstructor()
		if cc == nil {
			continue
		}
		sh := s.shape(td)
		if !sh.RemovedCctor {
			err := diag.Construct(cc.FullID(), diag.NoOffset, "type initializer has statements beyond static field initializers")
			if err := s.excludeUsers(g, err); err != nil {
				return err
			}
			continue
		}
		for _, in := range sh.StaticInits {
			if in.Field != f {
				continue
			}
			x, err := highast.LowerInit(s.decls, in)
			if err != nil {
				if err := s.excludeUsers(g, err); err != nil {
					return err
				}
				break
			}
			g.Init = x
		}
	}
	return nil
}

func (s *session) excludeUsers(g *highast.Global, cause error) error {
	for _, fn := range append([]*highast.Function(nil), s.decls.Prog.Functions...) {
		if !usesGlobal(fn, g) {
			continue
		}
		m := s.decls.Method(fn)
		s.decls.Drop(fn)
		if err := s.fail(m, fmt.Errorf("reads %s: %w", g.Name, cause)); err != nil {
			return err
		}
	}
	return nil
}

func usesGlobal(fn *highast.Function, g *highast.Global) bool {
	found := false
	highast.WalkStmts(fn.Body, func(st highast.Stmt) bool {
		for _, e := range highast.StmtExprs(st) {
			highast.WalkExpr(e, func(x highast.Expr) bool {
				if r, ok := x.(*highast.GlobalRef); ok && r.Global == g {
					found = true
				}
				return !found
			})
		}
		return !found
	})
	return found
}

// finish excludes the callers of excluded functions and functions on a
// call cycle, then decides the entry points.
func (s *session) finish() error {
	for {
		if err := s.dropDangling(); err != nil {
			return err
		}
		err := s.decls.Finish()
		if err == nil {
			return nil
		}
		de, ok := diag.As(err)
		if !ok {
			return err
		}
		var culprit *highast.Function
		for _, fn := range s.decls.Prog.Functions {
			if fn.ID == de.Method {
				culprit = fn
				break
			}
		}
		if culprit == nil {
			return err
		}
		m := s.decls.Method(culprit)
		s.decls.Drop(culprit)
		if err := s.fail(m, err); err != nil {
			return err
		}
	}
}

func (s *session) dropDangling() error {
	for changed := true; changed; {
		changed = false
		live := make(map[*highast.Function]bool, len(s.decls.Prog.Functions))
		for _, fn := range s.decls.Prog.Functions {
			live[fn] = true
		}
		for _, fn := range append([]*highast.Function(nil), s.decls.Prog.Functions...) {
			for _, c := range highast.Calls(fn) {
				if live[c] {
					continue
				}
				m := s.decls.Method(fn)
				s.decls.Drop(fn)
				delete(live, fn)
				changed = true
				err := diag.Construct(m.FullID(), diag.NoOffset, "calls excluded function %s", c.ID)
				if err := s.fail(m, err); err != nil {
					return err
				}
				break
			}
		}
	}
	return nil
}

// fail records a method failure. It returns the failure itself when the
// session is fail-fast.
func (s *session) fail(m *image.Method, err error) error {
	if s.failed[m] {
		return nil
	}
	s.failed[m] = true
	de, ok := diag.As(err)
	switch {
	case !ok:
		de = diag.Construct(m.FullID(), diag.NoOffset, "%v", err)
	case de.Method != m.FullID():
		de = &diag.Error{Kind: de.Kind, Method: m.FullID(), Offset: diag.NoOffset, Msg: err.Error()}
	}
	log.Warningf("excluded %s: %s", m.FullID(), de)
	s.report.add(de)
	if s.opts.FailFast {
		return fmt.Errorf("translate %s: %w", m.FullID(), de)
	}
	return nil
}

// Report collects the methods excluded from a session's program.
type Report struct {
	mu     sync.Mutex
	Errors diag.List
}

func (r *Report) add(e *diag.Error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, e)
}

// Excluded lists the ids of excluded methods in sorted order.
func (r *Report) Excluded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, e.Method)
	}
	sort.Strings(out)
	return out
}

// Err returns the collected failures as one error, or nil.
func (r *Report) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Errors.Err()
}

// Has reports whether any failure matches target, as errors.Is would.
func (r *Report) Has(target error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.Errors {
		if errors.Is(e, target) {
			return true
		}
	}
	return false
}
