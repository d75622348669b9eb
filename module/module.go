// Package module packages translated kernels: it runs the native toolchain
// on emitted source, bundles the result with a checksum, persists modules
// and caches them for reuse.
package module

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/tliron/commonlog"

	"github.com/chazu/kernelize/compiler/hash"
	"github.com/chazu/kernelize/image"
	"github.com/chazu/kernelize/pkg/codegen"
)

var log = commonlog.GetLogger("kernelize.module")

// ErrChecksumMismatch reports a module that no longer matches the source
// it claims to have been built from.
var ErrChecksumMismatch = errors.New("checksum mismatch")

// KernelModule is the packaged result of one translation run. It is
// immutable once built.
type KernelModule struct {
	Name      string
	Dialect   codegen.Dialect
	Arch      string
	Toolchain string

	Source string
	Binary []byte

	Entries   []codegen.Entry
	Constants []codegen.Constant

	// Fingerprints holds the content fingerprint of every method the
	// module was translated from, keyed by full method id.
	Fingerprints map[string]uint64

	// Excluded lists the methods left out of the module and why.
	Excluded []Exclusion

	Checksum [32]byte
}

// Exclusion records a method that failed translation.
type Exclusion struct {
	Method string
	Kind   string
	Reason string
}

// Entry returns the entry point called name.
func (m *KernelModule) Entry(name string) (codegen.Entry, bool) {
	for _, e := range m.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return codegen.Entry{}, false
}

// Constant returns the constant region called name.
func (m *KernelModule) Constant(name string) (codegen.Constant, bool) {
	for _, c := range m.Constants {
		if c.Name == name {
			return c, true
		}
	}
	return codegen.Constant{}, false
}

// ChecksumHex returns the checksum in hexadecimal.
func (m *KernelModule) ChecksumHex() string {
	return hex.EncodeToString(m.Checksum[:])
}

// ComputeChecksum derives the checksum from the module's contents.
func (m *KernelModule) ComputeChecksum() [32]byte {
	c := hash.NewChecksum().Target(string(m.Dialect), m.Arch).Source(m.Source).Binary(m.Binary)
	for _, e := range m.Entries {
		params := make([]string, len(e.Params))
		for i, p := range e.Params {
			params[i] = p.Type
			if p.Space != "" {
				params[i] += "@" + p.Space
			}
		}
		params = append(params, e.Constants...)
		c.Entry(e.Name, params)
	}
	for _, k := range m.Constants {
		c.Constant(k.Name, k.Elem, k.Len)
	}
	for id, fp := range m.Fingerprints {
		c.Method(id, fp)
	}
	return c.Sum()
}

// Seal computes and stores the checksum.
func (m *KernelModule) Seal() {
	m.Checksum = m.ComputeChecksum()
}

// Verify checks the stored checksum against the module's contents.
func (m *KernelModule) Verify() error {
	if m.ComputeChecksum() != m.Checksum {
		return fmt.Errorf("module %s: stored checksum does not match contents: %w", m.Name, ErrChecksumMismatch)
	}
	return nil
}

// VerifyChecksums checks m against the methods currently in r: the module
// is stale when any method it was built from changed or disappeared.
func VerifyChecksums(m *KernelModule, r *image.Reader) error {
	if err := m.Verify(); err != nil {
		return err
	}
	ids := make([]string, 0, len(m.Fingerprints))
	for id := range m.Fingerprints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		mi, err := r.Method(id)
		if err != nil {
			return fmt.Errorf("module %s: method %s: %v: %w", m.Name, id, err, ErrChecksumMismatch)
		}
		fp, err := hash.Fingerprint(r.Image, mi.Method)
		if err != nil {
			return fmt.Errorf("module %s: fingerprint %s: %w", m.Name, id, err)
		}
		if fp != m.Fingerprints[id] {
			log.Debugf("%s: %s changed (%016x, was %016x)", m.Name, id, fp, m.Fingerprints[id])
			return fmt.Errorf("module %s: method %s changed: %w", m.Name, id, ErrChecksumMismatch)
		}
	}
	return nil
}
