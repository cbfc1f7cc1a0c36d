// Package filter selects trace records with an expr-lang predicate.
//
// The predicate sees one decoded record and its classification:
//
//	pid, cpu, sequence, sector, bytes, error   numeric header fields
//	major, minor                               device numbers
//	comm                                       command name
//	kind                                       event label, e.g. "action.issue"
//	write, cgroup, notify                      booleans
//
// Example: `kind == "action.complete" && write && bytes >= 65536`.
package filter
