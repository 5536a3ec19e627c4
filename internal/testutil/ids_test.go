package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSequentialIDs(t *testing.T) {
	g := NewSequentialIDs("")
	assert.Equal(t, "action-1", g.Generate())
	assert.Equal(t, "action-2", g.Generate())

	g.Reset()
	assert.Equal(t, "action-1", g.Generate())

	named := NewSequentialIDs("pass")
	assert.Equal(t, "pass-1", named.Generate())
}
