package buf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanerFlushesOnPoke(t *testing.T) {
	io := newMemIO()
	p := NewPool(1, testPageSize, io)
	p.StartCleaner(time.Hour) // timer effectively disabled; poke drives it

	b := p.Alloc(3, 0)
	b.MarkDirty()
	p.PokeCleaner()

	require.Eventually(t, func() bool {
		return !b.IsDirty()
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, p.StopCleaner())
	_, ok := io.pages[3]
	assert.True(t, ok)
}

func TestStopCleanerFlushesRemainder(t *testing.T) {
	io := newMemIO()
	p := NewPool(1, testPageSize, io)
	p.StartCleaner(time.Hour)

	b := p.Alloc(8, 0)
	b.MarkDirty()

	require.NoError(t, p.StopCleaner())
	assert.False(t, b.IsDirty())
	_, ok := io.pages[8]
	assert.True(t, ok)
}
