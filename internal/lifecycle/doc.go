// Package lifecycle implements component F, the service lifecycle
// kernel: dependency-ordered bring-up/teardown of named services and a
// reader-writer state guard (spec §4.F). The kernel drives the guard's
// transitions; no public service operation in this module calls
// StateGuard.Enter, so none is gated by it.
package lifecycle
