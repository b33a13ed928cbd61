package identity

import "time"

// ResolutionMethod indicates how an identity was resolved
type ResolutionMethod string

const (
	MethodCache     ResolutionMethod = "cache"
	MethodDirectory ResolutionMethod = "directory"
)

// Identity is a fully resolved atProto identity.
type Identity struct {
	DID        string           // Decentralized Identifier (e.g., "did:plc:abc123")
	Handle     string           // Human-readable handle (e.g., "alice.example")
	PDSURL     string           // Personal Data Server URL hosting the identity's records
	ResolvedAt time.Time        // When this identity was resolved
	Method     ResolutionMethod // How it was resolved
}
