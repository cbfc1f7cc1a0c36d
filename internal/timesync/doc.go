// Package timesync converts block trace timestamps to wall-clock time.
//
// The kernel stamps trace records with monotonic nanoseconds since boot.
// blktrace also emits TIMESTAMP notifications pairing a trace time with the
// wall clock; once one is seen, conversions are anchored to it, which is
// correct on a collector whose boot time differs from the producer's.
package timesync
