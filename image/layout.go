package image

import "fmt"

// FieldLayout is the placement of one instance field.
type FieldLayout struct {
	Field  *Field
	Offset int
	Size   int // total size including fixed buffer elements
}

// Layout is the memory layout of a struct as laid out on the device.
type Layout struct {
	Size   int
	Align  int
	Packed bool // fixed-layout structs are packed and padded to their declared size
	Fields []FieldLayout
}

// Field returns the layout entry for name.
func (l *Layout) Field(name string) (FieldLayout, bool) {
	for _, f := range l.Fields {
		if f.Field.Name == name {
			return f, true
		}
	}
	return FieldLayout{}, false
}

// SizeOf returns the device size of t.
func (img *Image) SizeOf(t *Type) (int, error) {
	if t.Kind == KindNamed {
		l, err := img.Layout(t.Name)
		if err != nil {
			return 0, err
		}
		return l.Size, nil
	}
	if n := t.ScalarSize(); n > 0 {
		return n, nil
	}
	return 0, fmt.Errorf("type %s has no device size", t)
}

// AlignOf returns the device alignment of t.
func (img *Image) AlignOf(t *Type) (int, error) {
	if t.Kind == KindNamed {
		l, err := img.Layout(t.Name)
		if err != nil {
			return 0, err
		}
		return l.Align, nil
	}
	if n := t.ScalarSize(); n > 0 {
		return n, nil
	}
	return 0, fmt.Errorf("type %s has no device alignment", t)
}

// Layout computes the device layout of a struct. Fields use natural
// alignment unless the struct carries a fixed layout size, in which case
// fields are packed and the struct is padded to exactly that size.
func (img *Image) Layout(name string) (*Layout, error) {
	return img.layout(name, make(map[string]bool))
}

func (img *Image) layout(name string, visiting map[string]bool) (*Layout, error) {
	td, ok := img.TypeDef(name)
	if !ok {
		return nil, fmt.Errorf("type %s: %w", name, ErrNotFound)
	}
	if td.Kind != TypeStruct {
		return nil, fmt.Errorf("%s %s has no value layout", td.Kind, name)
	}
	if visiting[name] {
		return nil, fmt.Errorf("struct %s contains itself", name)
	}
	visiting[name] = true
	defer delete(visiting, name)

	fixed := td.Directives.LayoutSize()
	l := &Layout{Align: 1, Packed: fixed > 0}
	off := 0
	for _, f := range td.InstanceFields() {
		var size, align int
		if f.Type.Kind == KindNamed {
			inner, err := img.layout(f.Type.Name, visiting)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.ID(), err)
			}
			size, align = inner.Size, inner.Align
		} else {
			size = f.Type.ScalarSize()
			align = size
			if size == 0 {
				return nil, fmt.Errorf("field %s of type %s has no device size", f.ID(), f.Type)
			}
		}
		if f.FixedLen > 0 {
			size *= f.FixedLen
		}
		if l.Packed {
			align = 1
		}
		off = alignUp(off, align)
		l.Fields = append(l.Fields, FieldLayout{Field: f, Offset: off, Size: size})
		off += size
		if align > l.Align {
			l.Align = align
		}
	}
	if l.Packed {
		if off > fixed {
			return nil, fmt.Errorf("struct %s needs %d bytes but declares size %d", name, off, fixed)
		}
		l.Size = fixed
		return l, nil
	}
	l.Size = alignUp(off, l.Align)
	return l, nil
}

func alignUp(n, a int) int {
	if a <= 1 {
		return n
	}
	return (n + a - 1) / a * a
}
