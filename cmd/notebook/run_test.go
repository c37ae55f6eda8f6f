package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEdit(t *testing.T) {
	id, src, err := parseEdit("qty=qty = 8")
	require.NoError(t, err)
	assert.Equal(t, "qty", id)
	assert.Equal(t, "qty = 8", src)

	_, _, err = parseEdit("no equals")
	assert.Error(t, err)
	_, _, err = parseEdit("=x")
	assert.Error(t, err)
}
