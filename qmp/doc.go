// Package qmp is the client for the QEMU Monitor Protocol. It drives the
// greeting and capabilities negotiation, executes commands with typed
// returns, and demultiplexes the asynchronous events the monitor
// interleaves with command traffic.
package qmp
