// Package classify maps decoded trace records onto a closed set of event kinds.
//
// Precedence, first match wins:
//
//	NOTIFY category (cgroup bit masked)  → Notification
//	PC category absent                   → BlockAction, primary table
//	otherwise                            → BlockAction, cgroup table
//
// The PC polarity mirrors the trace producer this tool was first written
// against. Both relay ends and every local consumer share this one
// implementation so their classifications cannot drift apart.
package classify

import (
	"github.com/mrzor/iowatcher/internal/blktrace"
)

var primaryTable = map[uint32]ActionCode{
	blktrace.ActionQueue:    ActionQueue,
	blktrace.ActionGetRQ:    ActionGetRequest,
	blktrace.ActionSleepRQ:  ActionSleepOnRequest,
	blktrace.ActionRequeue:  ActionRequeue,
	blktrace.ActionIssue:    ActionIssue,
	blktrace.ActionComplete: ActionComplete,
	blktrace.ActionInsert:   ActionInsert,
}

var cgroupTable = map[uint32]ActionCode{
	blktrace.ActionQueue:      ActionQueue,
	blktrace.ActionInsert:     ActionInsert,
	blktrace.ActionBackMerge:  ActionBackMerge,
	blktrace.ActionFrontMerge: ActionFrontMerge,
	blktrace.ActionGetRQ:      ActionGetRequest,
	blktrace.ActionSleepRQ:    ActionSleepOnRequest,
	blktrace.ActionRequeue:    ActionRequeue,
}

// Classify returns the event kind of rec. It never fails on a structurally
// valid record: unrecognized codes classify as NotifyUnknown or ActionUnknown.
func Classify(rec *blktrace.Record) Event {
	return ClassifyAction(rec.Action)
}

// ClassifyAction classifies a raw action field.
func ClassifyAction(action uint32) Event {
	notify := action &^ blktrace.ActionCgroup
	if notify&blktrace.Category(blktrace.CategoryNotify) != 0 {
		return Notification{Kind: notifyKind(notify & blktrace.ActionCodeMask)}
	}

	ev := BlockAction{
		CgroupAttributed: action&blktrace.ActionCgroup != 0,
		Write:            action&blktrace.Category(blktrace.CategoryWrite) != 0,
	}
	code := action & blktrace.ActionCodeMask &^ blktrace.ActionCgroup

	table := primaryTable
	if action&blktrace.Category(blktrace.CategoryPC) != 0 {
		table = cgroupTable
		ev.Table = TableCgroup
	}
	ev.Code = table[code] // zero value is ActionUnknown

	return ev
}

func notifyKind(code uint32) NotifyKind {
	switch code {
	case blktrace.NotifyProcess:
		return NotifyProcess
	case blktrace.NotifyTimestamp:
		return NotifyTimestamp
	case blktrace.NotifyMessage:
		return NotifyMessage
	default:
		return NotifyUnknown
	}
}
