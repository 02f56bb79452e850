package identity

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ProducesValidUUID(t *testing.T) {
	id := New()

	require.NotEmpty(t, id)
	_, err := uuid.Parse(id)
	assert.NoError(t, err, "instance identity should be a parseable UUID")
}

func TestNew_IsUnique(t *testing.T) {
	// Collisions across instances would let one instance's release delete
	// another's claim; spot-check uniqueness over many draws.
	seen := make(map[string]struct{}, 10000)
	for i := 0; i < 10000; i++ {
		id := New()
		_, dup := seen[id]
		require.False(t, dup, "duplicate instance identity generated: %s", id)
		seen[id] = struct{}{}
	}
}
