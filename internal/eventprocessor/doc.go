// Package eventprocessor turns decoded process events into cgroup enrollments.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│   eventstream (proc_event records)      │
//	└─────────────────┬───────────────────────┘
//	                  │
//	                  ▼
//	┌─────────────────────────────────────────┐
//	│   eventprocessor                        │  ← Event routing
//	│   - Decodes the tagged union            │
//	│   - Keeps EXEC, drops the rest          │
//	└─────────┬───────────────────────────────┘
//	          │
//	          ├──→ NameResolver ──→ /proc/<tgid>/status
//	          │                      - Process gone: drop silently
//	          │
//	          ├──→ Matcher ───────→ policy.Table
//	          │                      - exact / prefix / expr rules
//	          │
//	          └──→ Enroller ──────→ cgroup.Sink (own goroutine)
//	                                 - Never awaited by the receive loop
//	                                 - Failures are logged, not retried
//
// Enrollment runs detached so a slow or failing cgroup write cannot stall
// decoding of the next datagram. Wait blocks until detached writes finish.
package eventprocessor
