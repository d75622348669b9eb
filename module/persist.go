package module

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/chazu/kernelize/image"
	"github.com/chazu/kernelize/pkg/codegen"
)

// Persisted module layout: magic, version, flags, payload length, payload.
// The payload is the CBOR encoding of the module, zstd compressed when
// flagCompressed is set.
var moduleMagic = [4]byte{'K', 'Z', 'M', '!'}

const (
	// FormatVersion is the persisted module format written by Serialize.
	FormatVersion uint32 = 1

	flagCompressed uint32 = 1 << 0

	headerSize = 16
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("module: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

type wireModule struct {
	Name         string             `cbor:"1,keyasint"`
	Dialect      string             `cbor:"2,keyasint"`
	Arch         string             `cbor:"3,keyasint"`
	Toolchain    string             `cbor:"4,keyasint"`
	Source       string             `cbor:"5,keyasint"`
	Binary       []byte             `cbor:"6,keyasint"`
	Entries      []codegen.Entry    `cbor:"7,keyasint"`
	Constants    []codegen.Constant `cbor:"8,keyasint,omitempty"`
	Fingerprints map[string]uint64  `cbor:"9,keyasint"`
	Excluded     []Exclusion        `cbor:"10,keyasint,omitempty"`
	Checksum     []byte             `cbor:"11,keyasint"`
}

// Serialize encodes m in the persisted module format.
func Serialize(m *KernelModule, compress bool) ([]byte, error) {
	w := wireModule{
		Name:         m.Name,
		Dialect:      string(m.Dialect),
		Arch:         m.Arch,
		Toolchain:    m.Toolchain,
		Source:       m.Source,
		Binary:       m.Binary,
		Entries:      m.Entries,
		Constants:    m.Constants,
		Fingerprints: m.Fingerprints,
		Excluded:     m.Excluded,
		Checksum:     m.Checksum[:],
	}
	payload, err := cborEncMode.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("module: marshal %s: %w", m.Name, err)
	}
	flags := uint32(0)
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		payload = enc.EncodeAll(payload, nil)
		enc.Close()
		flags |= flagCompressed
	}

	var buf bytes.Buffer
	buf.Grow(headerSize + len(payload))
	buf.Write(moduleMagic[:])
	word := make([]byte, 4)
	for _, v := range []uint32{FormatVersion, flags, uint32(len(payload))} {
		binary.LittleEndian.PutUint32(word, v)
		buf.Write(word)
	}
	buf.Write(payload)
	return buf.Bytes(), nil
}

// Deserialize decodes a persisted module and rejects it when its checksum
// field does not match the recomputed checksum of its contents.
func Deserialize(data []byte) (*KernelModule, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("module too short: need at least %d bytes, got %d: %w", headerSize, len(data), image.ErrUnsupportedFormat)
	}
	if !bytes.Equal(data[0:4], moduleMagic[:]) {
		return nil, fmt.Errorf("invalid module magic %q: %w", data[0:4], image.ErrUnsupportedFormat)
	}
	version := binary.LittleEndian.Uint32(data[4:8])
	if version > FormatVersion || version == 0 {
		return nil, fmt.Errorf("module version %d not understood (supported %d): %w", version, FormatVersion, image.ErrUnsupportedFormat)
	}
	flags := binary.LittleEndian.Uint32(data[8:12])
	n := binary.LittleEndian.Uint32(data[12:16])
	if uint64(n) != uint64(len(data)-headerSize) {
		return nil, fmt.Errorf("module payload is %d bytes, header says %d: %w", len(data)-headerSize, n, image.ErrUnsupportedFormat)
	}
	payload := data[headerSize:]
	if flags&flagCompressed != 0 {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		payload, err = dec.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("module: decompress: %w", err)
		}
	}

	var w wireModule
	if err := cbor.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("module: unmarshal: %w", err)
	}
	if len(w.Checksum) != 32 {
		return nil, fmt.Errorf("module %s: checksum is %d bytes: %w", w.Name, len(w.Checksum), image.ErrUnsupportedFormat)
	}
	d, err := codegen.ParseDialect(w.Dialect)
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", w.Name, err)
	}
	m := &KernelModule{
		Name:         w.Name,
		Dialect:      d,
		Arch:         w.Arch,
		Toolchain:    w.Toolchain,
		Source:       w.Source,
		Binary:       w.Binary,
		Entries:      w.Entries,
		Constants:    w.Constants,
		Fingerprints: w.Fingerprints,
		Excluded:     w.Excluded,
	}
	if m.Fingerprints == nil {
		m.Fingerprints = make(map[string]uint64)
	}
	copy(m.Checksum[:], w.Checksum)
	if err := m.Verify(); err != nil {
		return nil, err
	}
	return m, nil
}

// WriteFile serializes m to path.
func WriteFile(path string, m *KernelModule, compress bool) error {
	data, err := Serialize(m, compress)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write module: %w", err)
	}
	return nil
}

// ReadFile deserializes the module at path.
func ReadFile(path string) (*KernelModule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read module: %w", err)
	}
	m, err := Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// IsStale reports whether err means a module must be rebuilt rather than
// that something failed.
func IsStale(err error) bool {
	return errors.Is(err, ErrChecksumMismatch) || errors.Is(err, image.ErrUnsupportedFormat)
}
