// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vocab

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	v, err := New([]string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, 4, v.Size())

	blank, err := v.Token(BlankID)
	require.NoError(t, err)
	assert.Equal(t, BlankToken, blank)

	id, found := v.ID("b")
	require.True(t, found)
	assert.Equal(t, 2, id)

	_, found = v.ID("z")
	assert.False(t, found)

	_, err = New([]string{"a", "a"})
	assert.Error(t, err, "duplicated tokens break the bijection")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	filePath := filepath.Join(dir, "vocabulary.txt")
	content := "<blank>\t-1\n的\t9234\n一\t5817\n是\t4012\n"
	require.NoError(t, os.WriteFile(filePath, []byte(content), 0644))

	v, err := Load(filePath)
	require.NoError(t, err)
	assert.Equal(t, 4, v.Size())
	id, found := v.ID("的")
	require.True(t, found)
	assert.Equal(t, 1, id, "insertion order defines the index space")

	// First line must be the blank symbol.
	badPath := filepath.Join(dir, "bad.txt")
	require.NoError(t, os.WriteFile(badPath, []byte("a\t10\n"), 0644))
	_, err = Load(badPath)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	v, err := New([]string{"x", "y"})
	require.NoError(t, err)
	filePath := filepath.Join(t.TempDir(), "vocabulary.txt")
	require.NoError(t, v.Save(filePath))

	loaded, err := Load(filePath)
	require.NoError(t, err)
	assert.Equal(t, v.Tokens(), loaded.Tokens())
}

func TestEncodeDecode(t *testing.T) {
	v, err := New([]string{"a", "b", "c"})
	require.NoError(t, err)

	labels := v.EncodeText("cab")
	assert.Equal(t, []int{3, 1, 2}, labels)
	assert.Equal(t, "cab", v.DecodeIDs(labels))

	// Unknown runes are skipped, blanks are dropped on decoding.
	assert.Equal(t, []int{1}, v.EncodeText("a!"))
	assert.Equal(t, "ab", v.DecodeIDs([]int{1, BlankID, 2}))
}
