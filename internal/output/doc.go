// Package output renders classified trace events.
//
// Two formatters are provided, both satisfying pipeline.Handler:
//   - Text: one blkparse-like line per event, for previewing a stream
//   - Spans: one OpenTelemetry span per event, exported through the
//     configured tracer provider
//
// Both convert trace timestamps with a timesync.Converter and apply
// TIMESTAMP notifications to it as they pass.
package output
