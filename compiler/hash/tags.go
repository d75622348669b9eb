package hash

// ---------------------------------------------------------------------------
// Frozen tag bytes for the fingerprint and checksum serialization format.
//
// IMPORTANT: These tags are FROZEN. Once assigned, a tag byte must never
// change meaning. Adding new tags is fine; changing existing ones breaks
// every persisted module checksum.
// ---------------------------------------------------------------------------

// HashVersion is the version prefix for the serialization format.
// Bumping this invalidates all existing checksums.
const HashVersion byte = 2

// Record tags. Each tag uniquely identifies a record kind in the
// serialized byte stream.
const (
	TagReservedZero byte = 0x00 // version prefix / reserved

	// Method declarations
	TagMethod    byte = 0x01
	TagParam     byte = 0x02
	TagLocal     byte = 0x03
	TagDirective byte = 0x04
	TagReturn    byte = 0x05

	// Instructions and operands
	TagInstr       byte = 0x10
	TagOperandNone byte = 0x11
	TagOperandInt  byte = 0x12
	TagOperandReal byte = 0x13
	TagOperandRef  byte = 0x14
	TagOperandStr  byte = 0x15
	TagOperandJump byte = 0x16
	TagOperandRank byte = 0x17

	// Declaring type context
	TagOwner      byte = 0x20
	TagOwnerField byte = 0x21

	// Module checksum records
	TagSource      byte = 0x30
	TagEntry       byte = 0x31
	TagConstant    byte = 0x32
	TagFingerprint byte = 0x33
	TagTarget      byte = 0x34
	TagBinary      byte = 0x35

	// Reserved 0xFE-0xFF
)

// allTags lists every defined tag for uniqueness verification in tests.
var allTags = []byte{
	TagReservedZero,
	TagMethod, TagParam, TagLocal, TagDirective, TagReturn,
	TagInstr, TagOperandNone, TagOperandInt, TagOperandReal, TagOperandRef,
	TagOperandStr, TagOperandJump, TagOperandRank,
	TagOwner, TagOwnerField,
	TagSource, TagEntry, TagConstant, TagFingerprint, TagTarget, TagBinary,
}
