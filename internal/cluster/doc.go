// Package cluster defines Hekate's data model: node identity, the
// lifecycle state machine, and the immutable topology snapshot that the
// gossip engine publishes and every higher-level service (messaging,
// locks, coordination) subscribes to.
//
// # Overview
//
// Unlike the teacher's hub-and-spoke cluster package (one coordinator,
// many storage nodes, a flat node list), this package models a
// peer-to-peer topology: every node carries the same Node/Topology
// types, and "coordinator" is a computed role (the oldest UP member),
// not a distinguished process.
//
// # Core types
//
// Node — immutable identity plus the single mutable field (Status)
// published as part of a Topology snapshot.
//
// Topology — {version, nodes}. Immutable once constructed; derived
// orderings (Oldest, Youngest) and a content digest (Hash) are
// computed, never stored mutably.
//
// Status — the externally visible lifecycle state machine from spec §3:
// DOWN → INITIALIZING → INITIALIZED → JOINING → SYNCHRONIZING → UP →
// LEAVING → TERMINATING → DOWN. Transitions are irreversible within a
// single identity's lifetime.
//
// # Concurrency model
//
// Node and Topology are plain immutable values. View, Filtered and
// Future guard their own state with mutexes and are safe for
// concurrent use. The gossip engine builds new Topology values and
// publishes them through the cluster view (internal/cluster.View)
// rather than mutating shared state in place.
package cluster
