package hostid

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	fail := func() (string, error) { return "", errors.New("unavailable") }
	value := func(v string) func() (string, error) {
		return func() (string, error) { return v, nil }
	}

	assert.Equal(t, "0123456789abcdef", resolve(value("0123456789abcdef0123"), fail))
	assert.Equal(t, "short", resolve(value("short"), fail))
	assert.Equal(t, "host-box", resolve(fail, value("box")))
	assert.Equal(t, "unknown", resolve(fail, fail))
}

func TestIDIsStable(t *testing.T) {
	first := ID()
	assert.NotEmpty(t, first)
	assert.Equal(t, first, ID())
}
