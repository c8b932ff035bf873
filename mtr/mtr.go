// Package mtr implements mini-transactions: the atomic unit of redo
// logging. A mini-transaction collects typed writes against latched
// buffer-pool blocks and, at commit, appends them to the redo log as one
// group, marks the touched blocks dirty, and releases the latches.
package mtr

import (
	"bytes"
	"encoding/binary"

	"github.com/weiihann/silo/buf"
	"github.com/weiihann/silo/redo"
)

// Mtr is one mini-transaction. Zero value is unusable; call Start.
type Mtr struct {
	log     *redo.Log
	records []redo.Record
	memo    []*buf.Block

	started       bool
	modifications bool
}

// Start begins the mini-transaction against the given redo log.
func (m *Mtr) Start(log *redo.Log) {
	if m.started {
		panic("mtr: already started")
	}
	m.log = log
	m.started = true
	m.records = m.records[:0]
	m.memo = m.memo[:0]
	m.modifications = false
}

// Active reports whether the mini-transaction is open.
func (m *Mtr) Active() bool {
	return m.started
}

// Log returns the redo log this mini-transaction commits into.
func (m *Mtr) Log() *redo.Log {
	return m.log
}

// XLatch acquires the block's exclusive latch and enters it into the
// memo for release at commit. Latching a block the memo already holds is
// a no-op; the latch is released once.
func (m *Mtr) XLatch(b *buf.Block) {
	if m.Holds(b) {
		return
	}
	b.Latch.Lock()
	m.memo = append(m.memo, b)
}

// XLatchAcquired enters an already exclusively latched block into the
// memo. Used with optimistic re-latching, where the pool takes the latch
// while verifying the modify clock.
func (m *Mtr) XLatchAcquired(b *buf.Block) {
	m.memo = append(m.memo, b)
}

// Holds reports whether the block is in this mini-transaction's memo.
func (m *Mtr) Holds(b *buf.Block) bool {
	for _, x := range m.memo {
		if x == b {
			return true
		}
	}
	return false
}

// SetModified forces the dirty mark at commit even if no logged write
// happened, for blocks whose frames were mutated before a release/latch
// cycle.
func (m *Mtr) SetModified() {
	m.modifications = true
}

func (m *Mtr) appendRecord(b *buf.Block, op redo.Op, off int, data []byte, runLen int) {
	m.modifications = true
	m.records = append(m.records, redo.Record{
		SpaceID: b.SpaceID,
		PageNo:  b.PageNo,
		Op:      op,
		Off:     uint32(off),
		Data:    data,
		Len:     uint32(runLen),
	})
}

// Write1 writes a byte to the frame and logs it.
func (m *Mtr) Write1(b *buf.Block, off int, v byte) {
	b.Frame[off] = v
	m.appendRecord(b, redo.OpWrite1, off, []byte{v}, 0)
}

// Write2 writes a big-endian uint16 and logs it.
func (m *Mtr) Write2(b *buf.Block, off int, v uint16) {
	binary.BigEndian.PutUint16(b.Frame[off:], v)
	m.appendRecord(b, redo.OpWrite2, off, b.Frame[off:off+2:off+2], 0)
}

// Write4 writes a big-endian uint32 and logs it.
func (m *Mtr) Write4(b *buf.Block, off int, v uint32) {
	binary.BigEndian.PutUint32(b.Frame[off:], v)
	m.appendRecord(b, redo.OpWrite4, off, b.Frame[off:off+4:off+4], 0)
}

// Write8 writes a big-endian uint64 and logs it.
func (m *Mtr) Write8(b *buf.Block, off int, v uint64) {
	binary.BigEndian.PutUint64(b.Frame[off:], v)
	m.appendRecord(b, redo.OpWrite8, off, b.Frame[off:off+8:off+8], 0)
}

// WriteOpt2 writes a uint16 only if the frame does not already hold the
// value, suppressing the log record otherwise.
func (m *Mtr) WriteOpt2(b *buf.Block, off int, v uint16) {
	if binary.BigEndian.Uint16(b.Frame[off:]) == v {
		return
	}
	m.Write2(b, off, v)
}

// WriteOpt4 is the 4-byte optional write.
func (m *Mtr) WriteOpt4(b *buf.Block, off int, v uint32) {
	if binary.BigEndian.Uint32(b.Frame[off:]) == v {
		return
	}
	m.Write4(b, off, v)
}

// Memcpy logs n bytes already present in the frame at off. The caller
// copies the data first; this mirrors logging a record body after it was
// assembled in place.
func (m *Mtr) Memcpy(b *buf.Block, off, n int) {
	m.appendRecord(b, redo.OpMemcpy, off, b.Frame[off:off+n:off+n], 0)
}

// Memset fills a frame run with a byte value and logs it compactly.
func (m *Mtr) Memset(b *buf.Block, off, n int, v byte) {
	for i := off; i < off+n; i++ {
		b.Frame[i] = v
	}
	m.appendRecord(b, redo.OpMemset, off, []byte{v}, n)
}

// ZipImage logs the whole compressed frame image as a single record.
// This is the only redo written for a compressed page's contents.
func (m *Mtr) ZipImage(b *buf.Block) {
	img := bytes.Clone(b.ZipFrame)
	m.appendRecord(b, redo.OpZipImage, 0, img, 0)
}

// Commit appends the collected writes to the redo log atomically, marks
// the memo blocks dirty if anything was modified, and releases the
// latches in reverse acquisition order.
func (m *Mtr) Commit() error {
	if !m.started {
		panic("mtr: commit without start")
	}
	var err error
	if len(m.records) > 0 {
		err = m.log.Append(m.records)
	}
	if m.modifications {
		for _, b := range m.memo {
			b.MarkDirty()
		}
	}
	for i := len(m.memo) - 1; i >= 0; i-- {
		m.memo[i].Latch.Unlock()
	}
	m.memo = m.memo[:0]
	m.records = m.records[:0]
	m.started = false
	return err
}
