// Package pipeline moves trace frames from a byte source to their
// destination, one frame at a time.
//
// Architecture:
//
//	┌──────────────────────────────┐
//	│ byte source                  │  blktrace stdout, file, relay stream
//	└──────────────┬───────────────┘
//	               │
//	               ▼
//	┌──────────────────────────────┐
//	│ fragment.Reader              │  ← exact frame boundaries
//	└──────┬───────────────┬───────┘
//	       │               │
//	       │ Relay         │ Ingester
//	       ▼               ▼
//	┌─────────────┐  ┌──────────────────────────┐
//	│ Sender      │  │ blktrace.Decode          │
//	│ (relay      │  │ classify.Classify        │
//	│  session)   │  │ filter, sequence gaps    │
//	└─────────────┘  │ Handler (output)         │
//	                 │ metrics.Recorder         │
//	                 └──────────────────────────┘
//
// A pipeline holds at most one frame between reading and delivery, so a slow
// destination slows the reader instead of growing a buffer. Serve runs one
// Task per accepted relay session. Sessions share the Recorder; with
// Ingester.NewHandler each session also gets its own Handler. An ingest
// failure fails the relay session, so the producer learns of it.
package pipeline
