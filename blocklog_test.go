// SPDX-License-Identifier: GPL-3.0-or-later

package dnssink

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockLogAppendAndSnapshot(t *testing.T) {
	log := NewBlockLog(time.Now)
	log.Append("ads.example.", DENY)
	log.Append("www.example.", ALLOW)

	snap := log.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "ads.example.", snap[0].Name)
	assert.Equal(t, DENY, snap[0].Disposition)
	assert.Equal(t, "www.example.", snap[1].Name)
	assert.Equal(t, ALLOW, snap[1].Disposition)
}

func TestBlockLogNewestWinsEviction(t *testing.T) {
	log := NewBlockLog(time.Now)
	for i := range blockLogCapacity + 5 {
		log.Append(string(rune('a'+(i%26))), IGNORE)
	}
	snap := log.Snapshot()
	require.Len(t, snap, blockLogCapacity)
	// The 5 oldest appends were overwritten; the newest is last.
	assert.Equal(t, string(rune('a'+5)), snap[0].Name)
	assert.Equal(t, string(rune('a'+((blockLogCapacity+4)%26))), snap[blockLogCapacity-1].Name)
}

func TestBlockLogPersistAndLoad(t *testing.T) {
	log := NewBlockLog(time.Now)
	log.Append("ads.example.", DENY)
	log.Append("www.example.", ALLOW)

	path := filepath.Join(t.TempDir(), "blocklog.yaml")
	require.NoError(t, log.Persist(path))

	loaded, err := LoadBlockLog(path, time.Now)
	require.NoError(t, err)
	snap := loaded.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "ads.example.", snap[0].Name)
	assert.Equal(t, DENY, snap[0].Disposition)
}

func TestLoadBlockLogMissingFileReturnsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	loaded, err := LoadBlockLog(path, time.Now)
	require.NoError(t, err)
	assert.Empty(t, loaded.Snapshot())
}
