// Package qapi implements the protocol engine shared by the QMP and QGA
// clients: framing of the JSON-object-per-line stream, command encoding,
// classification of incoming messages, command/response correlation, and
// connection state tracking.
//
// The engine is transport-agnostic. Callers hand it a connected
// io.ReadWriteCloser (a unix socket, TCP connection, or a virtio-serial
// channel exposed as a stream) and a set of commands to run. Opening
// sockets is left to the caller; the transport package has helpers for
// the common cases.
//
// Commands are opaque to the engine: anything implementing Command can be
// executed, and its JSON marshaling becomes the wire arguments. Typed
// returns are decoded per call with Run, because QAPI responses are not
// self-describing: the command that was sent determines the shape of its
// own reply.
//
// The protocol facades live in the qmp and qga packages. Most programs
// use those rather than this package directly.
package qapi
