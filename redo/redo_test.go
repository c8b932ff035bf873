package redo

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLog(t *testing.T, margin int) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "redo.log")
	l, err := Open(Config{Path: path, CheckpointMargin: margin})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l, path
}

func TestAppendAndRead(t *testing.T) {
	l, path := openTestLog(t, 1<<20)

	require.NoError(t, l.Append([]Record{
		{SpaceID: 1, PageNo: 4, Op: OpWrite2, Off: 38, Data: []byte{0x00, 0x10}},
		{SpaceID: 1, PageNo: 4, Op: OpMemcpy, Off: 120, Data: []byte("abcdef")},
	}))
	require.NoError(t, l.Append([]Record{
		{SpaceID: 1, PageNo: 5, Op: OpMemset, Off: 8, Len: 8, Data: []byte{0xff}},
	}))
	require.NoError(t, l.Close())

	groups, err := ReadGroups(path)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	require.Len(t, groups[0], 2)
	assert.Equal(t, OpWrite2, groups[0][0].Op)
	assert.Equal(t, []byte("abcdef"), groups[0][1].Data)
	assert.Equal(t, OpMemset, groups[1][0].Op)
	assert.Equal(t, uint32(8), groups[1][0].Len)
}

func TestTornTailIgnored(t *testing.T) {
	l, path := openTestLog(t, 1<<20)
	require.NoError(t, l.Append([]Record{
		{SpaceID: 1, PageNo: 2, Op: OpWrite4, Off: 0, Data: []byte{1, 2, 3, 4}},
	}))
	require.NoError(t, l.Close())

	// Append garbage simulating a torn group.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{tagBegin, 0, 0, 0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	groups, err := ReadGroups(path)
	require.NoError(t, err)
	assert.Len(t, groups, 1)
}

func TestCheckpointBackpressure(t *testing.T) {
	l, _ := openTestLog(t, 64)

	assert.False(t, l.CheckFlushOrCheckpoint())
	require.NoError(t, l.Append([]Record{
		{SpaceID: 1, PageNo: 1, Op: OpMemcpy, Off: 0, Data: make([]byte, 256)},
	}))
	assert.True(t, l.CheckFlushOrCheckpoint())

	require.NoError(t, l.FreeCheck(context.Background()))
	assert.False(t, l.CheckFlushOrCheckpoint())
}

func TestFreeCheckCancelled(t *testing.T) {
	l, _ := openTestLog(t, 64)
	l.MarkCheckpoint()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, l.FreeCheck(ctx))
}

func TestEmptyAppendIsNoop(t *testing.T) {
	l, path := openTestLog(t, 1<<20)
	require.NoError(t, l.Append(nil))
	require.NoError(t, l.Close())

	groups, err := ReadGroups(path)
	require.NoError(t, err)
	assert.Empty(t, groups)
	assert.Equal(t, uint64(0), l.Seqno())
}
