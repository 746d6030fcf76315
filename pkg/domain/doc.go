// Package domain defines the core request-processing types shared by every
// fetchgate component.
//
// This package has ZERO dependencies outside the Go standard library. It holds:
//
// - Identity and trust values (IsolationKey, TrustLevel, Origin)
// - The request descriptor and client security state supplied by callers
// - The lifecycle state enum and its transition table
// - The client callback surface and the error taxonomy
//
// Other packages (trust, lifecycle, gate, redirect, auth, isolation) implement
// behaviour on top of these types. The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
