package anchor

// DataClass is the anchor's 64-bit bitset field (spec §3): the lower 8 bits
// carry the type/volatility class, the upper bits carry independent flags.
type DataClass uint64

const (
	classMask DataClass = 0xFF

	// Type/volatility classes occupy the lower 8 bits. Only a handful are
	// named by the spec; the rest are reserved for profile-specific use.
	ClassDefault  DataClass = 0
	ClassMetadata DataClass = 1
	ClassSystem   DataClass = 2
	ClassAI       DataClass = 3

	// Flags occupy bits 8 and up.
	FlagValid          DataClass = 1 << 8
	FlagTombstone      DataClass = 1 << 9
	FlagPinned         DataClass = 1 << 10
	FlagRot            DataClass = 1 << 11
	FlagNano           DataClass = 1 << 12
	FlagHintHorizon    DataClass = 1 << 13
	FlagHintStream     DataClass = 1 << 14
	FlagHintCompressed DataClass = 1 << 15
	FlagHintEncrypted  DataClass = 1 << 16
	FlagShred          DataClass = 1 << 17
	FlagSequential     DataClass = 1 << 18
)

// Class returns the type/volatility class (lower 8 bits).
func (d DataClass) Class() DataClass { return d & classMask }

// Has reports whether every bit in flag is set.
func (d DataClass) Has(flag DataClass) bool { return d&flag == flag }

// With returns d with flag set.
func (d DataClass) With(flag DataClass) DataClass { return d | flag }

// Without returns d with flag cleared.
func (d DataClass) Without(flag DataClass) DataClass { return d &^ flag }

// Permissions is the anchor's 32-bit capability mask (spec §3).
type Permissions uint32

const (
	PermRead      Permissions = 1 << 0
	PermWrite     Permissions = 1 << 1
	PermExec      Permissions = 1 << 2
	PermAppend    Permissions = 1 << 3
	PermImmutable Permissions = 1 << 4
	PermSovereign Permissions = 1 << 5
	PermEncrypted Permissions = 1 << 6
)

func (p Permissions) Has(bit Permissions) bool { return p&bit == bit }
