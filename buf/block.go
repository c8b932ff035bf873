// Package buf implements the buffer pool of the silo storage engine:
// in-memory page frames with exclusive latches, pin counts, per-block
// modify clocks for optimistic re-latching, and a background page
// cleaner that flushes dirty frames.
package buf

import (
	"sync"
	"sync/atomic"
)

// Block is one buffer-pool frame. The latch serializes frame access: a
// mini-transaction holds it exclusively, the page cleaner takes it
// shared while flushing.
type Block struct {
	SpaceID uint32
	PageNo  uint32

	// Frame is the uncompressed page image.
	Frame []byte

	// ZipFrame is the compressed shadow frame, present only for pages of
	// a compressed index.
	ZipFrame []byte

	Latch sync.RWMutex

	// SkipFlushCheck tells the cleaner to leave this frame alone while a
	// bulk build has it half-written.
	SkipFlushCheck atomic.Bool

	fixCount    atomic.Int32
	modifyClock atomic.Uint64
	dirty       atomic.Bool
}

// FixInc pins the block, preventing eviction.
func (b *Block) FixInc() {
	b.fixCount.Add(1)
}

// FixDec unpins the block.
func (b *Block) FixDec() {
	if b.fixCount.Add(-1) < 0 {
		panic("buf: fix count underflow")
	}
}

// FixCount returns the current pin count.
func (b *Block) FixCount() int {
	return int(b.fixCount.Load())
}

// ModifyClock returns the block's version counter. It advances whenever
// the block is evicted or its frame rebound, invalidating optimistic
// re-latches.
func (b *Block) ModifyClock() uint64 {
	return b.modifyClock.Load()
}

func (b *Block) bumpModifyClock() {
	b.modifyClock.Add(1)
}

// MarkDirty records that the frame differs from its on-disk image.
func (b *Block) MarkDirty() {
	b.dirty.Store(true)
}

// IsDirty reports whether the frame needs flushing.
func (b *Block) IsDirty() bool {
	return b.dirty.Load()
}

func (b *Block) clearDirty() {
	b.dirty.Store(false)
}
