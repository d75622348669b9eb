package module

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/chazu/kernelize/compiler"
	"github.com/chazu/kernelize/image"
	"github.com/chazu/kernelize/pkg/codegen"
)

// ErrNoEntries reports a translation that produced no kernel entry point.
var ErrNoEntries = errors.New("no kernel entry points")

// Request selects what to translate and for which target.
type Request struct {
	Dialect codegen.Dialect
	Arch    string
	// Methods are full method ids or type names; empty selects every
	// method marked for translation.
	Methods  []string
	Compiler compiler.Options
}

// Key returns the cache key of the request against the image called name.
func (req *Request) Key(name string) string {
	return RequestKey(name, req.Dialect, req.Arch, req.Methods)
}

// Packager translates method sets into kernel modules.
type Packager struct {
	Toolchains Toolchains
	// Cache, when set, is consulted by Obtain.
	Cache *Cache
}

// Translate runs one translation: the method set is lowered to a program,
// printed in the request's dialect and compiled by the target toolchain.
// Methods that fail translation are excluded and listed in the module; a
// toolchain failure aborts the whole batch with a *CompileError.
func (p *Packager) Translate(ctx context.Context, r *image.Reader, req Request) (*KernelModule, error) {
	res, err := compiler.Translate(ctx, r, req.Methods, req.Compiler)
	if err != nil {
		return nil, err
	}
	prog := res.Program
	if len(prog.Entries()) == 0 {
		if err := res.Report.Err(); err != nil {
			return nil, fmt.Errorf("%s: %w: %w", prog.Name, ErrNoEntries, err)
		}
		return nil, fmt.Errorf("%s: %w", prog.Name, ErrNoEntries)
	}
	out, err := codegen.Emit(prog, req.Dialect)
	if err != nil {
		return nil, fmt.Errorf("emit %s: %w", prog.Name, err)
	}
	for _, w := range out.Warnings {
		log.Warningf("%s: %s", prog.Name, w)
	}

	tc, err := p.Toolchains.For(req.Dialect, req.Arch)
	if err != nil {
		return nil, err
	}
	bin, err := tc.Compile(ctx, &Unit{
		Name:    prog.Name,
		Dialect: req.Dialect,
		Arch:    req.Arch,
		Source:  out.Source,
		Program: prog,
	})
	if err != nil {
		return nil, err
	}

	m := &KernelModule{
		Name:         prog.Name,
		Dialect:      req.Dialect,
		Arch:         req.Arch,
		Toolchain:    tc.Name(),
		Source:       out.Source,
		Binary:       bin,
		Entries:      out.Entries,
		Constants:    out.Constants,
		Fingerprints: res.Fingerprints,
	}
	for _, e := range res.Report.Errors {
		m.Excluded = append(m.Excluded, Exclusion{Method: e.Method, Kind: string(e.Kind), Reason: e.Msg})
	}
	m.Seal()
	log.Infof("packaged %s for %s/%s: %d entries, checksum %s", m.Name, m.Dialect, m.Arch, len(m.Entries), m.ChecksumHex()[:12])
	return m, nil
}

// Obtain returns a module for the request, reusing the cached one when it
// still matches the methods in r. A stale or unreadable cached module is
// dropped and the request translated again; the fresh module is cached.
func (p *Packager) Obtain(ctx context.Context, r *image.Reader, req Request) (*KernelModule, error) {
	if p.Cache == nil {
		return p.Translate(ctx, r, req)
	}
	key := req.Key(r.Image.Name)
	m, err := p.Cache.Lookup(ctx, key)
	switch {
	case err == nil:
		verr := VerifyChecksums(m, r)
		if verr == nil {
			log.Debugf("cache hit for %s (%s)", r.Image.Name, m.ChecksumHex()[:12])
			return m, nil
		}
		if !IsStale(verr) {
			return nil, verr
		}
		log.Infof("cached module %s is stale: %v", m.ChecksumHex()[:12], verr)
		if err := p.Cache.Invalidate(ctx, m.ChecksumHex()); err != nil {
			return nil, err
		}
	case isMiss(err):
	case IsStale(err):
		log.Infof("dropping unreadable cached module for %s: %v", r.Image.Name, err)
	default:
		return nil, err
	}

	m, err = p.Translate(ctx, r, req)
	if err != nil {
		return nil, err
	}
	if err := p.Cache.Put(ctx, key, m); err != nil {
		return nil, fmt.Errorf("cache %s: %w", m.Name, err)
	}
	return m, nil
}

// Summary renders the exclusions of m, one per line.
func (m *KernelModule) Summary() string {
	var sb strings.Builder
	for _, e := range m.Excluded {
		fmt.Fprintf(&sb, "%s: %s: %s\n", e.Method, e.Kind, e.Reason)
	}
	return sb.String()
}
