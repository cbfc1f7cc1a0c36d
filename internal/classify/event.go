package classify

// Event is the semantic kind of one trace record. It is either a
// Notification or a BlockAction.
type Event interface {
	// Label is a stable, low-cardinality name suitable for metric labels.
	Label() string
	isEvent()
}

// NotifyKind identifies a notification sub-kind.
type NotifyKind int

// Notification sub-kinds.
const (
	NotifyUnknown NotifyKind = iota
	NotifyProcess
	NotifyTimestamp
	NotifyMessage
)

func (k NotifyKind) String() string {
	switch k {
	case NotifyProcess:
		return "process"
	case NotifyTimestamp:
		return "timestamp"
	case NotifyMessage:
		return "message"
	default:
		return "unknown"
	}
}

// ActionCode identifies a block-layer action.
type ActionCode int

// Block-layer actions recognized by the classifier.
const (
	ActionUnknown ActionCode = iota
	ActionQueue
	ActionGetRequest
	ActionSleepOnRequest
	ActionRequeue
	ActionIssue
	ActionComplete
	ActionInsert
	ActionBackMerge
	ActionFrontMerge
)

func (c ActionCode) String() string {
	switch c {
	case ActionQueue:
		return "queue"
	case ActionGetRequest:
		return "getrq"
	case ActionSleepOnRequest:
		return "sleeprq"
	case ActionRequeue:
		return "requeue"
	case ActionIssue:
		return "issue"
	case ActionComplete:
		return "complete"
	case ActionInsert:
		return "insert"
	case ActionBackMerge:
		return "backmerge"
	case ActionFrontMerge:
		return "frontmerge"
	default:
		return "unknown"
	}
}

// Table names the action-code table a BlockAction was resolved with.
type Table int

// Action-code tables.
const (
	TablePrimary Table = iota
	TableCgroup
)

func (t Table) String() string {
	if t == TableCgroup {
		return "cgroup"
	}
	return "primary"
}

// Notification is a NOTIFY-category record.
type Notification struct {
	Kind NotifyKind
}

// Label implements Event.
func (n Notification) Label() string {
	return "notify." + n.Kind.String()
}

func (Notification) isEvent() {}

// BlockAction is any non-notification record.
type BlockAction struct {
	Code             ActionCode
	Table            Table
	CgroupAttributed bool
	Write            bool
}

// Label implements Event.
func (a BlockAction) Label() string {
	return "action." + a.Code.String()
}

func (BlockAction) isEvent() {}

// IsUnknown reports whether ev carries an unrecognized code.
func IsUnknown(ev Event) bool {
	switch e := ev.(type) {
	case Notification:
		return e.Kind == NotifyUnknown
	case BlockAction:
		return e.Code == ActionUnknown
	default:
		return true
	}
}
