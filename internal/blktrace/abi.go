package blktrace

// Magic is the format signature carried in the top 24 bits of every header.
// The low 8 bits hold the producer's format version.
const (
	Magic       uint32 = 0x65617400
	MagicMask   uint32 = 0xffffff00
	VersionMask uint32 = 0x000000ff

	// Version is the format version written by Encode when none is set.
	Version uint8 = 0x07
)

// HeaderSize is the fixed size of a trace record header in bytes.
const HeaderSize = 64

// CommandNameLen is the width of the NUL-padded command name field.
const CommandNameLen = 16

// Header field offsets.
const (
	offMagic      = 0
	offSequence   = 4
	offTime       = 8
	offSector     = 16
	offBytes      = 24
	offAction     = 28
	offPID        = 32
	offDevice     = 36
	offCPU        = 40
	offError      = 44
	offPayloadLen = 46
	offCommand    = 48
)

// CategoryShift is the bit position of the category flags within the action field.
const CategoryShift = 16

// Category flags. They occupy the high 16 bits of the action field once
// shifted by CategoryShift; see Category.
const (
	CategoryRead     uint32 = 1 << 0
	CategoryWrite    uint32 = 1 << 1
	CategoryFlush    uint32 = 1 << 2
	CategorySync     uint32 = 1 << 3
	CategoryQueue    uint32 = 1 << 4
	CategoryRequeue  uint32 = 1 << 5
	CategoryIssue    uint32 = 1 << 6
	CategoryComplete uint32 = 1 << 7
	CategoryFS       uint32 = 1 << 8
	CategoryPC       uint32 = 1 << 9
	CategoryNotify   uint32 = 1 << 10
	CategoryAhead    uint32 = 1 << 11
	CategoryMeta     uint32 = 1 << 12
	CategoryDiscard  uint32 = 1 << 13
	CategoryDrvData  uint32 = 1 << 14
	CategoryFUA      uint32 = 1 << 15
)

// Category shifts a category flag into its position in the action field.
func Category(flag uint32) uint32 {
	return flag << CategoryShift
}

// Action codes carried in the low 16 bits of the action field.
const (
	ActionQueue       uint32 = 1
	ActionBackMerge   uint32 = 2
	ActionFrontMerge  uint32 = 3
	ActionGetRQ       uint32 = 4
	ActionSleepRQ     uint32 = 5
	ActionRequeue     uint32 = 6
	ActionIssue       uint32 = 7
	ActionComplete    uint32 = 8
	ActionPlug        uint32 = 9
	ActionUnplugIO    uint32 = 10
	ActionUnplugTimer uint32 = 11
	ActionInsert      uint32 = 12
	ActionSplit       uint32 = 13
	ActionBounce      uint32 = 14
	ActionRemap       uint32 = 15
	ActionAbort       uint32 = 16
	ActionDrvData     uint32 = 17

	// ActionCgroup marks an event carrying cgroup attribution. The same bit
	// is used by notifications.
	ActionCgroup uint32 = 1 << 8

	// ActionCodeMask selects the action code from the action field.
	ActionCodeMask uint32 = 0xffff
)

// Notification codes. A notification carries Category(CategoryNotify) plus
// one of these in the low bits.
const (
	NotifyProcess   uint32 = 0
	NotifyTimestamp uint32 = 1
	NotifyMessage   uint32 = 2
)

// Full action values as the kernel emits them, category included.
var (
	TAQueue      = ActionQueue | Category(CategoryQueue)
	TABackMerge  = ActionBackMerge | Category(CategoryQueue)
	TAFrontMerge = ActionFrontMerge | Category(CategoryQueue)
	TAGetRQ      = ActionGetRQ | Category(CategoryQueue)
	TASleepRQ    = ActionSleepRQ | Category(CategoryQueue)
	TARequeue    = ActionRequeue | Category(CategoryRequeue)
	TAIssue      = ActionIssue | Category(CategoryIssue)
	TAComplete   = ActionComplete | Category(CategoryComplete)
	TAInsert     = ActionInsert | Category(CategoryQueue)

	TNProcess   = NotifyProcess | Category(CategoryNotify)
	TNTimestamp = NotifyTimestamp | Category(CategoryNotify)
	TNMessage   = NotifyMessage | Category(CategoryNotify)
)

// Device numbers use the kernel's internal dev_t encoding.
const (
	minorBits = 20
	minorMask = 1<<minorBits - 1
)
