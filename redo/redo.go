// Package redo implements the write-ahead redo log of the silo storage
// engine. Mini-transactions batch typed page writes and append them here
// as one atomic record group; crash recovery replays groups in order.
//
// The log also owns write backpressure: when the unflushed tail grows
// past the configured margin, the checkpoint flag is raised and writers
// holding no page latches call FreeCheck to wait for room.
package redo

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// Op identifies the type of one logged page write.
type Op byte

const (
	OpWrite1 Op = iota + 1
	OpWrite2
	OpWrite4
	OpWrite8
	OpMemcpy
	OpMemset
	OpZipImage
)

// Record is one typed write to a page.
type Record struct {
	SpaceID uint32
	PageNo  uint32
	Op      Op
	Off     uint32

	// Data holds the written bytes. For OpMemset it is [value]; Len
	// carries the run length. For OpZipImage it is the whole compressed
	// frame image.
	Data []byte
	Len  uint32
}

// Group framing tags.
const (
	tagBegin byte = 0x01
	tagRec   byte = 0x02
	tagEnd   byte = 0x03
)

// Config holds redo log tuning.
type Config struct {
	// Path of the log file.
	Path string

	// CheckpointMargin is the number of unflushed bytes after which the
	// checkpoint flag is raised.
	CheckpointMargin int
}

// DefaultConfig returns a margin suited to tests and small builds.
func DefaultConfig(path string) Config {
	return Config{Path: path, CheckpointMargin: 4 << 20}
}

// Log is the process-wide redo sink.
type Log struct {
	mu        sync.Mutex
	file      *os.File
	seqno     uint64
	unflushed int
	margin    int

	checkFlag atomic.Bool
}

// Open creates or appends to the redo log file.
func Open(cfg Config) (*Log, error) {
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("redo: open: %w", err)
	}
	margin := cfg.CheckpointMargin
	if margin <= 0 {
		margin = 4 << 20
	}
	return &Log{file: f, margin: margin}, nil
}

// Append writes one atomic record group. The group is framed with begin
// and end tags so that a torn tail is detectable on recovery.
func (l *Log) Append(recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seqno++
	buf := make([]byte, 0, 64)
	var u64 [8]byte

	buf = append(buf, tagBegin)
	binary.BigEndian.PutUint64(u64[:], l.seqno)
	buf = append(buf, u64[:]...)

	for _, r := range recs {
		buf = append(buf, tagRec, byte(r.Op))
		var hdr [12]byte
		binary.BigEndian.PutUint32(hdr[0:], r.SpaceID)
		binary.BigEndian.PutUint32(hdr[4:], r.PageNo)
		binary.BigEndian.PutUint32(hdr[8:], r.Off)
		buf = append(buf, hdr[:]...)

		switch r.Op {
		case OpMemset:
			var run [4]byte
			binary.BigEndian.PutUint32(run[:], r.Len)
			buf = append(buf, run[:]...)
			buf = append(buf, r.Data[0])
		default:
			var n [4]byte
			binary.BigEndian.PutUint32(n[:], uint32(len(r.Data)))
			buf = append(buf, n[:]...)
			buf = append(buf, r.Data...)
		}
	}
	buf = append(buf, tagEnd)

	if _, err := l.file.Write(buf); err != nil {
		return fmt.Errorf("redo: append: %w", err)
	}
	l.unflushed += len(buf)
	if l.unflushed >= l.margin {
		l.checkFlag.Store(true)
	}
	return nil
}

// CheckFlushOrCheckpoint reports whether the log needs a checkpoint
// before more page latches are taken.
func (l *Log) CheckFlushOrCheckpoint() bool {
	return l.checkFlag.Load()
}

// FreeCheck blocks until the log has room. The caller must hold no page
// latches. The flush counts as the checkpoint for everything appended so
// far.
func (l *Log) FreeCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !l.checkFlag.Load() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("redo: checkpoint sync: %w", err)
	}
	l.unflushed = 0
	l.checkFlag.Store(false)
	return nil
}

// MarkCheckpoint raises the checkpoint flag regardless of the unflushed
// size. Used by tests to force the free-check path.
func (l *Log) MarkCheckpoint() {
	l.checkFlag.Store(true)
}

// Seqno returns the sequence number of the last appended group.
func (l *Log) Seqno() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seqno
}

// Close syncs and closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("redo: close sync: %w", err)
	}
	return l.file.Close()
}

// ReadGroups parses a redo log file into record groups, stopping cleanly
// at a torn tail. Used by tests; recovery-time replay is out of scope.
func ReadGroups(path string) ([][]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("redo: read: %w", err)
	}

	var groups [][]Record
	pos := 0
	for pos < len(data) {
		if data[pos] != tagBegin || pos+9 > len(data) {
			break
		}
		pos += 9
		var group []Record
		complete := false
		for pos < len(data) {
			tag := data[pos]
			if tag == tagEnd {
				pos++
				complete = true
				break
			}
			if tag != tagRec || pos+14 > len(data) {
				break
			}
			op := Op(data[pos+1])
			spaceID := binary.BigEndian.Uint32(data[pos+2:])
			pageNo := binary.BigEndian.Uint32(data[pos+6:])
			off := binary.BigEndian.Uint32(data[pos+10:])
			pos += 14
			r := Record{SpaceID: spaceID, PageNo: pageNo, Op: op, Off: off}
			if op == OpMemset {
				if pos+5 > len(data) {
					break
				}
				r.Len = binary.BigEndian.Uint32(data[pos:])
				r.Data = []byte{data[pos+4]}
				pos += 5
			} else {
				if pos+4 > len(data) {
					break
				}
				n := int(binary.BigEndian.Uint32(data[pos:]))
				pos += 4
				if pos+n > len(data) {
					break
				}
				r.Data = data[pos : pos+n]
				pos += n
			}
			group = append(group, r)
		}
		if !complete {
			break
		}
		groups = append(groups, group)
	}
	return groups, nil
}
