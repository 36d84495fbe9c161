// Package transport implements component A, the connection-oriented
// byte transport every other Hekate subsystem rides on: gossip,
// messaging, locks, and coordination each register a named connector
// and exchange length-prefixed frames (internal/codec) over it.
//
// # Architecture
//
// A Transport owns zero or more listening sockets, each serving every
// registered connector (the handshake's protocol picks the connector),
// and hands out outbound
// Clients via Connect. Every connection — inbound or outbound — runs
// the same handshake and heartbeat state machine (spec §4.A):
//
//	dial/accept -> HANDSHAKE_REQUEST -> {HANDSHAKE_ACCEPT, HANDSHAKE_REJECT}
//	            -> steady state: frames + heartbeats, until Disconnect
//
// # Concurrency model
//
// Each Client owns exactly two goroutines: a read loop and a write
// loop, communicating through a buffered send queue and idle-timer
// resets, matching spec §5's "I/O threads: a small fixed pool" in
// spirit (one pair of goroutines per connection rather than a thread
// per connection, since Go's scheduler multiplexes goroutines onto a
// bounded number of OS threads for us). Accepting runs on a dedicated
// goroutine per listener, analogous to the spec's
// "Acceptor thread".
package transport
