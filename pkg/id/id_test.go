package id

import (
	"testing"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTradeIDsAreSortedAndUnique(t *testing.T) {
	prev := ""
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		s := Trade()
		_, err := ulid.ParseStrict(s)
		require.NoError(t, err)
		assert.False(t, seen[s])
		assert.Greater(t, s, prev)
		seen[s] = true
		prev = s
	}
}

func TestNewIsUUID(t *testing.T) {
	_, err := uuid.Parse(New())
	assert.NoError(t, err)
}
