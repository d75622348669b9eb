package hash

// ---------------------------------------------------------------------------
// Frozen fingerprint records.
//
// These are stripped-down parallels of image.Method with member tokens and
// string pool indices replaced by the symbolic text they denote, and branch
// offsets replaced by instruction indices. Two images that declare the same
// method produce identical records even when their member tables are laid
// out differently.
// ---------------------------------------------------------------------------

// HMethod is the normalized form of one method declaration.
type HMethod struct {
	Owner      string
	OwnerKind  uint8
	Name       string
	Static     bool
	Params     []HParam
	Return     string
	Locals     []HLocal
	Directives []HDirective
	Code       []HInstr

	// OwnerFields lists the declaring type's fields. Translation of a
	// struct method depends on the layout of its receiver.
	OwnerFields []HField
}

// HParam is a normalized parameter.
type HParam struct {
	Name       string // names appear in emitted source, so they are hashed
	Type       string
	Directives []HDirective
}

// HLocal is a normalized local slot.
type HLocal struct {
	Name      string
	Type      string
	Generated bool
	Pinned    bool
}

// HField is a normalized field of the declaring type.
type HField struct {
	Name       string
	Type       string
	Static     bool
	FixedLen   int
	Directives []HDirective
}

// HDirective is a normalized emitter directive.
type HDirective struct {
	Kind  uint8
	Value int32
}

// OperandKind selects which HInstr operand fields are meaningful.
type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandInt
	OperandReal
	OperandRef  // member reference text
	OperandStr  // string literal
	OperandJump // index of the target instruction
	OperandRank // Ref plus Int rank
)

// HInstr is one normalized instruction.
type HInstr struct {
	Op      byte
	Operand OperandKind
	Int     int64
	Real    float64
	Ref     string
}
