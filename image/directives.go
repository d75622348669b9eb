package image

import "fmt"

// DirectiveKind tags one member of the closed set of emitter directives.
type DirectiveKind uint8

const (
	// DirectiveKernel marks a translatable member: an entry point when the
	// method has kernel shape, a device function otherwise.
	DirectiveKernel DirectiveKind = iota + 1
	// DirectiveIgnore excludes a member from translation.
	DirectiveIgnore
	// DirectiveAddressSpace pins a parameter, field or local to a memory space.
	DirectiveAddressSpace
	// DirectiveInline selects the inlining qualifier of a function.
	DirectiveInline
	// DirectiveFixedLayout fixes the byte size of a struct.
	DirectiveFixedLayout
)

// AddressSpace is the memory space payload of DirectiveAddressSpace.
type AddressSpace uint8

const (
	SpaceDefault AddressSpace = iota
	SpaceGlobal
	SpaceShared
	SpaceConstant
)

func (s AddressSpace) String() string {
	switch s {
	case SpaceGlobal:
		return "global"
	case SpaceShared:
		return "shared"
	case SpaceConstant:
		return "constant"
	}
	return "default"
}

// InlineMode is the payload of DirectiveInline.
type InlineMode uint8

const (
	InlineAuto InlineMode = iota
	InlineForce
	InlineNo
)

func (m InlineMode) String() string {
	switch m {
	case InlineForce:
		return "force"
	case InlineNo:
		return "no"
	}
	return "auto"
}

// Directive is one emitter directive attached to a declaration when the
// image is loaded.
type Directive struct {
	Kind  DirectiveKind
	Value int32 // AddressSpace, InlineMode or layout size depending on Kind
}

func (d Directive) String() string {
	switch d.Kind {
	case DirectiveKernel:
		return "kernel"
	case DirectiveIgnore:
		return "ignore"
	case DirectiveAddressSpace:
		return AddressSpace(d.Value).String()
	case DirectiveInline:
		return "inline=" + InlineMode(d.Value).String()
	case DirectiveFixedLayout:
		return fmt.Sprintf("size=%d", d.Value)
	}
	return fmt.Sprintf("directive(%d)", d.Kind)
}

// Directives is the directive set of one declaration.
type Directives []Directive

// Has reports whether a directive of kind k is present.
func (ds Directives) Has(k DirectiveKind) bool {
	for _, d := range ds {
		if d.Kind == k {
			return true
		}
	}
	return false
}

func (ds Directives) value(k DirectiveKind) (int32, bool) {
	for _, d := range ds {
		if d.Kind == k {
			return d.Value, true
		}
	}
	return 0, false
}

// Kernel reports whether the declaration is marked for translation.
func (ds Directives) Kernel() bool { return ds.Has(DirectiveKernel) }

// Ignored reports whether the declaration is excluded from translation.
func (ds Directives) Ignored() bool { return ds.Has(DirectiveIgnore) }

// Space returns the explicit address space, or SpaceDefault.
func (ds Directives) Space() AddressSpace {
	v, _ := ds.value(DirectiveAddressSpace)
	return AddressSpace(v)
}

// Inline returns the inlining mode, InlineAuto when unspecified.
func (ds Directives) Inline() InlineMode {
	v, _ := ds.value(DirectiveInline)
	return InlineMode(v)
}

// LayoutSize returns the fixed struct size, or 0.
func (ds Directives) LayoutSize() int {
	v, _ := ds.value(DirectiveFixedLayout)
	return int(v)
}

// Validate checks payload ranges.
func (ds Directives) Validate() error {
	seen := make(map[DirectiveKind]bool)
	for _, d := range ds {
		if seen[d.Kind] {
			return fmt.Errorf("duplicate directive %s", d)
		}
		seen[d.Kind] = true
		switch d.Kind {
		case DirectiveKernel, DirectiveIgnore:
		case DirectiveAddressSpace:
			if d.Value < int32(SpaceGlobal) || d.Value > int32(SpaceConstant) {
				return fmt.Errorf("invalid address space %d", d.Value)
			}
		case DirectiveInline:
			if d.Value < int32(InlineAuto) || d.Value > int32(InlineNo) {
				return fmt.Errorf("invalid inline mode %d", d.Value)
			}
		case DirectiveFixedLayout:
			if d.Value <= 0 {
				return fmt.Errorf("invalid layout size %d", d.Value)
			}
		default:
			return fmt.Errorf("unknown directive kind %d", d.Kind)
		}
	}
	return nil
}
