package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitOrigins(t *testing.T) {
	assert.Nil(t, splitOrigins(""))
	assert.Equal(t, []string{"https://a.example.org", "https://b.example.org"},
		splitOrigins(" https://a.example.org, ,https://b.example.org "))
}

func TestNewLogger(t *testing.T) {
	for _, level := range []string{"debug", "info", "WARN", "error"} {
		_, err := newLogger(level)
		require.NoError(t, err, level)
	}
	_, err := newLogger("chatty")
	assert.ErrorContains(t, err, "unknown log level")
}
