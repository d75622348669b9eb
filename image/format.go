package image

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/chazu/kernelize/pkg/bytecode"
)

// ImageVersion is the current image format version.
const ImageVersion uint16 = 1

// ImageMagic starts every image file: "KZIM".
var ImageMagic = []byte{'K', 'Z', 'I', 'M'}

const (
	typeFlagBeforeFieldInit = 1 << 0

	fieldFlagStatic = 1 << 0

	methodFlagStatic  = 1 << 0
	methodFlagHasBody = 1 << 1

	localFlagGenerated = 1 << 0
	localFlagPinned    = 1 << 1
)

// Serialize encodes the image.
// Format:
//
//	[magic:4] [version:2] [flags:2] [name:str]
//	[type_count:2] [types:...]
//	[member_count:2] [members:...]
//
// Strings are [len:2][bytes]. Type signatures are stored as strings.
func (img *Image) Serialize() ([]byte, error) {
	e := &encoder{buf: make([]byte, 0, 4096)}
	e.buf = append(e.buf, ImageMagic...)
	e.u16(img.Version)
	e.u16(0)
	e.str(img.Name)

	e.u16(uint16(len(img.Types)))
	for _, td := range img.Types {
		e.str(td.Name)
		e.u8(uint8(td.Kind))
		var flags uint8
		if td.BeforeFieldInit {
			flags |= typeFlagBeforeFieldInit
		}
		e.u8(flags)
		e.directives(td.Directives)

		e.u16(uint16(len(td.Fields)))
		for _, f := range td.Fields {
			e.str(f.Name)
			e.sig(f.Type)
			var ff uint8
			if f.Static {
				ff |= fieldFlagStatic
			}
			e.u8(ff)
			e.u32(uint32(f.FixedLen))
			e.directives(f.Directives)
		}

		e.u16(uint16(len(td.Methods)))
		for _, m := range td.Methods {
			if err := e.method(m); err != nil {
				return nil, fmt.Errorf("method %s: %w", m.FullID(), err)
			}
		}
	}

	e.u16(uint16(len(img.Members)))
	for _, r := range img.Members {
		e.u8(uint8(r.Kind))
		e.str(r.Owner)
		e.str(r.Name)
		if r.HasSig {
			e.u8(1)
			e.u8(uint8(len(r.Sig)))
			for _, t := range r.Sig {
				e.sig(t)
			}
		} else {
			e.u8(0)
		}
		e.optSig(r.Generic)
		e.optSig(r.Type)
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.buf, nil
}

// WriteFile serializes the image to path.
func (img *Image) WriteFile(path string) error {
	data, err := img.Serialize()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Deserialize decodes and links an image.
func Deserialize(data []byte) (*Image, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("image too short: need at least 8 bytes, got %d: %w", len(data), ErrUnsupportedFormat)
	}
	if string(data[0:4]) != string(ImageMagic) {
		return nil, fmt.Errorf("invalid image magic %q: %w", data[0:4], ErrUnsupportedFormat)
	}
	img := &Image{Version: binary.BigEndian.Uint16(data[4:6])}
	if img.Version == 0 || img.Version > ImageVersion {
		return nil, fmt.Errorf("image version %d not understood (supported %d): %w", img.Version, ImageVersion, ErrUnsupportedFormat)
	}

	d := &decoder{data: data, pos: 8}
	img.Name = d.str("image name")

	typeCount := int(d.u16("type count"))
	for i := 0; i < typeCount && d.err == nil; i++ {
		td := &TypeDef{Name: d.str("type name")}
		td.Kind = TypeKind(d.u8("type kind"))
		if td.Kind > TypeDelegate {
			return nil, fmt.Errorf("type %s has unknown kind %d: %w", td.Name, td.Kind, ErrUnsupportedFormat)
		}
		td.BeforeFieldInit = d.u8("type flags")&typeFlagBeforeFieldInit != 0
		td.Directives = d.directives()

		fieldCount := int(d.u16("field count"))
		for j := 0; j < fieldCount && d.err == nil; j++ {
			f := &Field{Name: d.str("field name")}
			f.Type = d.sig("field type")
			f.Static = d.u8("field flags")&fieldFlagStatic != 0
			f.FixedLen = int(d.u32("fixed length"))
			f.Directives = d.directives()
			td.Fields = append(td.Fields, f)
		}

		methodCount := int(d.u16("method count"))
		for j := 0; j < methodCount && d.err == nil; j++ {
			td.Methods = append(td.Methods, d.method())
		}
		img.Types = append(img.Types, td)
	}

	memberCount := int(d.u16("member count"))
	for i := 0; i < memberCount && d.err == nil; i++ {
		r := MemberRef{Kind: MemberKind(d.u8("member kind"))}
		r.Owner = d.str("member owner")
		r.Name = d.str("member name")
		if d.u8("member signature marker") != 0 {
			r.HasSig = true
			n := int(d.u8("member signature length"))
			for j := 0; j < n; j++ {
				r.Sig = append(r.Sig, d.sig("member signature"))
			}
		}
		r.Generic = d.optSig("generic argument")
		r.Type = d.optSig("member type")
		img.Members = append(img.Members, r)
	}
	if d.err != nil {
		return nil, fmt.Errorf("%v: %w", d.err, ErrUnsupportedFormat)
	}
	if d.pos != len(data) {
		return nil, fmt.Errorf("%d trailing bytes after image: %w", len(data)-d.pos, ErrUnsupportedFormat)
	}
	if err := img.Link(); err != nil {
		return nil, err
	}
	return img, nil
}

type encoder struct {
	buf []byte
	err error
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16) { e.buf = binary.BigEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.BigEndian.AppendUint32(e.buf, v) }

func (e *encoder) str(s string) {
	if len(s) > math.MaxUint16 {
		e.err = fmt.Errorf("string too long: %d bytes", len(s))
		return
	}
	e.u16(uint16(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) sig(t *Type) { e.str(t.String()) }

func (e *encoder) optSig(t *Type) {
	if t == nil {
		e.str("")
		return
	}
	e.sig(t)
}

func (e *encoder) directives(ds Directives) {
	e.u8(uint8(len(ds)))
	for _, d := range ds {
		e.u8(uint8(d.Kind))
		e.u32(uint32(d.Value))
	}
}

func (e *encoder) method(m *Method) error {
	e.str(m.Name)
	var flags uint8
	if m.Static {
		flags |= methodFlagStatic
	}
	if m.Body != nil {
		flags |= methodFlagHasBody
	}
	e.u8(flags)
	e.optSig(m.Return)
	e.u8(uint8(len(m.Params)))
	for _, p := range m.Params {
		e.str(p.Name)
		e.sig(p.Type)
		e.directives(p.Directives)
	}
	e.u16(uint16(len(m.Locals)))
	for _, l := range m.Locals {
		e.str(l.Name)
		e.sig(l.Type)
		var lf uint8
		if l.Generated {
			lf |= localFlagGenerated
		}
		if l.Pinned {
			lf |= localFlagPinned
		}
		e.u8(lf)
	}
	e.directives(m.Directives)
	if m.Body != nil {
		body, err := m.Body.Serialize()
		if err != nil {
			return err
		}
		e.u32(uint32(len(body)))
		e.buf = append(e.buf, body...)
	}
	return nil
}

type decoder struct {
	data []byte
	pos  int
	err  error
}

func (d *decoder) need(n int, what string) bool {
	if d.err != nil {
		return false
	}
	if d.pos+n > len(d.data) {
		d.err = fmt.Errorf("unexpected end of image reading %s at pos %d", what, d.pos)
		return false
	}
	return true
}

func (d *decoder) u8(what string) uint8 {
	if !d.need(1, what) {
		return 0
	}
	v := d.data[d.pos]
	d.pos++
	return v
}

func (d *decoder) u16(what string) uint16 {
	if !d.need(2, what) {
		return 0
	}
	v := binary.BigEndian.Uint16(d.data[d.pos:])
	d.pos += 2
	return v
}

func (d *decoder) u32(what string) uint32 {
	if !d.need(4, what) {
		return 0
	}
	v := binary.BigEndian.Uint32(d.data[d.pos:])
	d.pos += 4
	return v
}

func (d *decoder) str(what string) string {
	n := int(d.u16(what + " length"))
	if !d.need(n, what) {
		return ""
	}
	s := string(d.data[d.pos : d.pos+n])
	d.pos += n
	return s
}

func (d *decoder) sig(what string) *Type {
	s := d.str(what)
	if d.err != nil {
		return nil
	}
	t, err := ParseType(s)
	if err != nil {
		d.err = fmt.Errorf("%s: %v", what, err)
		return nil
	}
	return t
}

func (d *decoder) optSig(what string) *Type {
	s := d.str(what)
	if d.err != nil || s == "" {
		return nil
	}
	t, err := ParseType(s)
	if err != nil {
		d.err = fmt.Errorf("%s: %v", what, err)
		return nil
	}
	return t
}

func (d *decoder) directives() Directives {
	n := int(d.u8("directive count"))
	var ds Directives
	for i := 0; i < n; i++ {
		k := DirectiveKind(d.u8("directive kind"))
		v := int32(d.u32("directive value"))
		ds = append(ds, Directive{Kind: k, Value: v})
	}
	return ds
}

func (d *decoder) method() *Method {
	m := &Method{Name: d.str("method name")}
	flags := d.u8("method flags")
	m.Static = flags&methodFlagStatic != 0
	m.Return = d.optSig("return type")
	paramCount := int(d.u8("param count"))
	for i := 0; i < paramCount; i++ {
		p := Param{Name: d.str("param name")}
		p.Type = d.sig("param type")
		p.Directives = d.directives()
		m.Params = append(m.Params, p)
	}
	localCount := int(d.u16("local count"))
	for i := 0; i < localCount; i++ {
		l := Local{Name: d.str("local name")}
		l.Type = d.sig("local type")
		lf := d.u8("local flags")
		l.Generated = lf&localFlagGenerated != 0
		l.Pinned = lf&localFlagPinned != 0
		m.Locals = append(m.Locals, l)
	}
	m.Directives = d.directives()
	if flags&methodFlagHasBody != 0 {
		n := int(d.u32("body length"))
		if !d.need(n, "method body") {
			return m
		}
		body, err := bytecode.Deserialize(d.data[d.pos : d.pos+n])
		if err != nil {
			d.err = fmt.Errorf("method %s body: %v", m.Name, err)
			return m
		}
		d.pos += n
		m.Body = body
	}
	return m
}
