// Package qga is the client for the QEMU Guest Agent protocol. The agent
// speaks the same JSON-per-line format as the monitor but sends no
// greeting and no events; instead the connection starts with a guest-sync
// exchange that flushes any stale bytes left over from a previous session.
package qga
