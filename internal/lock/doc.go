// Package lock implements component H, distributed locks: a region is
// the unit of partitioning, and for each (region, name) the manager
// node is topology.Manager(name) (spec §4.H). Lock state migrates
// between nodes in a two-phase Prepare/Apply protocol whenever a
// region's topology changes.
package lock
