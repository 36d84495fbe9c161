// Package balancer implements component J: the pluggable routing
// policy the messaging gateway and coordination kernel consult per
// physical send (spec §4.J).
package balancer
