package image

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/tliron/commonlog"

	"github.com/chazu/kernelize/pkg/bytecode"
)

var log = commonlog.GetLogger("kernelize.image")

// ---------------------------------------------------------------------------
// MethodInfo: decoded method served to the translator
// ---------------------------------------------------------------------------

// MethodInfo is the decoded instruction stream of one method together with
// its declaration (parameter, return, local and owner field types).
type MethodInfo struct {
	Method       *Method
	Instructions []bytecode.Instruction

	// byOffset maps an instruction offset to its index in Instructions.
	byOffset map[int]int
}

// At returns the index of the instruction starting at offset.
func (mi *MethodInfo) At(offset int) (int, bool) {
	i, ok := mi.byOffset[offset]
	return i, ok
}

// ---------------------------------------------------------------------------
// Reader: per-session method cache
// ---------------------------------------------------------------------------

// Reader serves method bodies out of an image. Results are cached per
// method identifier for the reader's lifetime; a Reader is safe for
// concurrent use.
type Reader struct {
	Image *Image

	mu    sync.Mutex
	cache map[string]*MethodInfo
}

// NewReader wraps a linked image.
func NewReader(img *Image) *Reader {
	return &Reader{Image: img, cache: make(map[string]*MethodInfo)}
}

// Open reads and links the image at path.
func Open(path string) (*Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	r, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return r, nil
}

// Load decodes and links an image held in memory.
func Load(data []byte) (*Reader, error) {
	img, err := Deserialize(data)
	if err != nil {
		return nil, err
	}
	log.Debugf("loaded image %s: %d types, %d member refs", img.Name, len(img.Types), len(img.Members))
	return NewReader(img), nil
}

// Method returns the decoded method named by id, which is either
// "Owner::name" or "Owner::name(sig,...)". Fails with ErrNotFound when id
// does not resolve to exactly one method with a body.
func (r *Reader) Method(id string) (*MethodInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if mi, ok := r.cache[id]; ok {
		return mi, nil
	}
	m, err := r.lookup(id)
	if err != nil {
		return nil, err
	}
	// Both "Owner::name" and the full id share one entry.
	if mi, ok := r.cache[m.FullID()]; ok {
		r.cache[id] = mi
		return mi, nil
	}
	mi, err := decodeMethod(m)
	if err != nil {
		return nil, err
	}
	r.cache[id] = mi
	r.cache[m.FullID()] = mi
	return mi, nil
}

// MethodOf returns the decoded body of a declared method.
func (r *Reader) MethodOf(m *Method) (*MethodInfo, error) {
	return r.Method(m.FullID())
}

func (r *Reader) lookup(id string) (*Method, error) {
	owner, rest, ok := strings.Cut(id, "::")
	if !ok || owner == "" || rest == "" {
		return nil, fmt.Errorf("malformed method id %q: %w", id, ErrNotFound)
	}
	name, sigText, hasSig := strings.Cut(rest, "(")
	var sig []*Type
	if hasSig {
		sigText, ok = strings.CutSuffix(sigText, ")")
		if !ok {
			return nil, fmt.Errorf("malformed method id %q: %w", id, ErrNotFound)
		}
		if strings.TrimSpace(sigText) != "" {
			for _, part := range splitSig(sigText) {
				t, err := ParseType(part)
				if err != nil {
					return nil, fmt.Errorf("method id %q: %v: %w", id, err, ErrNotFound)
				}
				sig = append(sig, t)
			}
		}
	}
	m, err := r.Image.FindMethod(owner, name, sig, hasSig)
	if err != nil {
		return nil, err
	}
	if m.Body == nil {
		return nil, fmt.Errorf("method %s has no body: %w", m.FullID(), ErrNotFound)
	}
	return m, nil
}

// splitSig splits a parameter list at the commas outside array ranks.
func splitSig(s string) []string {
	var parts []string
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	return append(parts, s[start:])
}

func decodeMethod(m *Method) (*MethodInfo, error) {
	ins, err := bytecode.Decode(m.Body.Code)
	if err != nil {
		return nil, fmt.Errorf("method %s: %v: %w", m.FullID(), err, ErrUnsupportedFormat)
	}
	mi := &MethodInfo{Method: m, Instructions: ins, byOffset: make(map[int]int, len(ins))}
	for i, in := range ins {
		mi.byOffset[in.Offset] = i
	}
	return mi, nil
}

// Invalidate drops every cached method.
func (r *Reader) Invalidate() {
	r.mu.Lock()
	r.cache = make(map[string]*MethodInfo)
	r.mu.Unlock()
}
