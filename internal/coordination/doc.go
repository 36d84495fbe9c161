// Package coordination implements Hekate's distributed coordination
// framework (spec §4.I): named processes bound to a filtered
// sub-topology, whose oldest participating member drives broadcast
// rounds and whose other participants simply answer them.
package coordination
