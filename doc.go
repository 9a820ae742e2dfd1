// Package msgpipe is a point-to-point reliable messaging
// pipe for distributed storage nodes: one Pipe per peer,
// carrying ordered, framed messages over TCP, with an
// authenticated multi-round handshake, session resumption
// across transport faults, and bounded buffering.
//
// Each peer address has at most one authoritative pipe.
// Simultaneous connects resolve deterministically by
// address comparison; in-flight messages survive
// disconnects on lossless sessions and replay with their
// original sequence numbers, so redelivery is idempotent
// on the receiving side. Received messages land, in
// order, on a shared dispatch queue.
//
// The model is a thread (goroutine) per direction: every
// pipe runs one reader and one writer, coordinated by a
// single mutex and condition variable, dropping the
// mutex around every socket call. Backpressure is
// expressed through byte and message-count throttlers
// charged as messages are read and credited as they
// leave the system.
//
// Start with NewMessenger, Bind, Start; then Send. See
// cmd/srv and cmd/cli for a minimal pair.
package msgpipe
