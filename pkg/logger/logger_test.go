package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   Debug,
		"DEBUG":   Debug,
		" warn ":  Warn,
		"warning": Warn,
		"error":   Error,
		"info":    Info,
		"":        Info,
		"verbose": Info,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), "level %q", in)
	}
}

func TestNopLoggerWith(t *testing.T) {
	l := NewNop().With("component", "test")
	l.Infof("hello %s", "world")
	assert.NoError(t, l.Sync())
}
