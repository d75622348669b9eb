// Package hash computes content fingerprints of translated methods and the
// checksum that guards a packaged kernel module against stale reuse.
package hash

import (
	"crypto/sha256"
	"sort"

	"github.com/zeebo/xxh3"

	"github.com/chazu/kernelize/image"
)

// Fingerprint computes the 64-bit content fingerprint of a method.
//
// The fingerprint is computed over a deterministic serialization of the
// normalized method record, so it changes whenever anything the translator
// reads from the image changes: declaration, directives, body or the
// declaring type's fields.
func Fingerprint(img *image.Image, m *image.Method) (uint64, error) {
	hm, err := NormalizeMethod(img, m)
	if err != nil {
		return 0, err
	}
	return xxh3.Hash(Serialize(hm)), nil
}

// HashMethod computes the SHA-256 content hash of a method.
func HashMethod(img *image.Image, m *image.Method) ([32]byte, error) {
	hm, err := NormalizeMethod(img, m)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(Serialize(hm)), nil
}

// Checksum accumulates the checksum of a kernel module: its source text,
// target, entry and constant signature tables and the fingerprints of the
// methods it was translated from. Records may be added in any order;
// entries, constants and fingerprints are sorted before hashing.
type Checksum struct {
	target       string
	source       string
	binary       [32]byte
	entries      []string
	constants    []string
	fingerprints map[string]uint64
}

// NewChecksum creates an empty accumulator.
func NewChecksum() *Checksum {
	return &Checksum{fingerprints: make(map[string]uint64)}
}

// Target records the dialect and architecture.
func (c *Checksum) Target(dialect, arch string) *Checksum {
	c.target = dialect + "/" + arch
	return c
}

// Source records the emitted source text.
func (c *Checksum) Source(src string) *Checksum {
	c.source = src
	return c
}

// Binary records the digest of the compiled binary.
func (c *Checksum) Binary(bin []byte) *Checksum {
	c.binary = sha256.Sum256(bin)
	return c
}

// Entry records one entry point signature.
func (c *Checksum) Entry(name string, params []string) *Checksum {
	s := &serializer{}
	s.writeString(name)
	s.writeUint32(uint32(len(params)))
	for _, p := range params {
		s.writeString(p)
	}
	c.entries = append(c.entries, string(s.buf))
	return c
}

// Constant records one constant region.
func (c *Checksum) Constant(name, elem string, length int) *Checksum {
	s := &serializer{}
	s.writeString(name)
	s.writeString(elem)
	s.writeInt(length)
	c.constants = append(c.constants, string(s.buf))
	return c
}

// Method records the fingerprint of a source method.
func (c *Checksum) Method(id string, fingerprint uint64) *Checksum {
	c.fingerprints[id] = fingerprint
	return c
}

// Sum returns the SHA-256 checksum of everything recorded.
func (c *Checksum) Sum() [32]byte {
	s := &serializer{buf: make([]byte, 0, len(c.source)+256)}
	s.writeByte(HashVersion)
	s.writeByte(TagTarget)
	s.writeString(c.target)
	s.writeByte(TagSource)
	s.writeString(c.source)
	s.writeByte(TagBinary)
	s.buf = append(s.buf, c.binary[:]...)

	entries := append([]string(nil), c.entries...)
	sort.Strings(entries)
	for _, e := range entries {
		s.writeByte(TagEntry)
		s.writeString(e)
	}
	constants := append([]string(nil), c.constants...)
	sort.Strings(constants)
	for _, k := range constants {
		s.writeByte(TagConstant)
		s.writeString(k)
	}
	ids := make([]string, 0, len(c.fingerprints))
	for id := range c.fingerprints {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s.writeByte(TagFingerprint)
		s.writeString(id)
		s.writeInt64(int64(c.fingerprints[id]))
	}
	return sha256.Sum256(s.buf)
}
