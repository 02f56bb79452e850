package identity

import "github.com/google/uuid"

// New generates the process-wide instance identity. It is created once at
// startup and used only as the claim-ownership marker in the coordinator;
// a UUIDv4 gives 122 bits of randomness, which makes cross-instance
// collision negligible.
func New() string {
	return uuid.NewString()
}
