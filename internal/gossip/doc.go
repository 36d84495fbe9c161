// Package gossip implements component D, the peer-to-peer membership
// protocol: a per-node roster with Lamport-style versioning, a
// randomized push/pull exchange over internal/transport connections,
// the JOIN sequence and its validator chain, coordinator takeover,
// LEAVE, and split-brain detection. It is the sole writer of the
// internal/cluster.View published to the rest of the system (spec
// §4.D).
package gossip
