// Package fsp implements the single-file tablespace of the silo storage
// engine: page-granular file I/O, extent-based allocation, and the space
// header page.
//
// Pages are allocated in extents of 64. The free map is an ordered tree
// of extent descriptors so allocation proceeds at the lowest available
// page number, which keeps bulk loads laying pages out sequentially.
package fsp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	rb "github.com/glycerine/rbtree"
	"github.com/gofrs/flock"

	"github.com/weiihann/silo/buf"
	"github.com/weiihann/silo/mtr"
	"github.com/weiihann/silo/page"
)

// ErrOutOfFileSpace is returned when the tablespace cannot grow to
// satisfy an extent reservation.
var ErrOutOfFileSpace = errors.New("fsp: out of file space")

// ExtentSize is the number of pages allocated together.
const ExtentSize = 64

// Space header page (page 0) field offsets, after the fil header.
const (
	hdrMagicOff   = page.FilPageData + 0
	hdrSpaceIDOff = page.FilPageData + 4
	hdrSizeOff    = page.FilPageData + 8

	spaceMagic uint32 = 0x53494c4f // "SILO"
)

// reservedPages are the pages of the first extent that never enter the
// free map: the space header page and the first change-buffer bitmap
// page.
const reservedPages = 2

// Config describes a tablespace.
type Config struct {
	ID       uint32
	PageSize int

	// MaxSizePages caps file growth; 0 means unlimited.
	MaxSizePages uint32
}

// extentDesc tracks the allocation state of one extent.
type extentDesc struct {
	start uint32
	used  [ExtentSize]bool
	nFree int
}

// Space is one open tablespace file.
type Space struct {
	ID       uint32
	pageSize int
	maxPages uint32

	mu       sync.Mutex
	file     *os.File
	lock     *flock.Flock
	sizePgs  uint32
	free     *rb.Tree // of *extentDesc, keyed by start
	reserved int

	headerBlock *buf.Block
}

func newFreeTree() *rb.Tree {
	return rb.NewTree(func(a, b rb.Item) int {
		av := a.(*extentDesc).start
		bv := b.(*extentDesc).start
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	})
}

// Create creates a new tablespace file, laying out the first extent with
// the header and bitmap pages, and takes the file lock.
func Create(path string, cfg Config) (*Space, error) {
	lk := flock.New(path + ".lock")
	ok, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("fsp: lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("fsp: tablespace %s is locked by another process", path)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		lk.Unlock()
		return nil, fmt.Errorf("fsp: create: %w", err)
	}

	s := &Space{
		ID:       cfg.ID,
		pageSize: cfg.PageSize,
		maxPages: cfg.MaxSizePages,
		file:     f,
		lock:     lk,
		free:     newFreeTree(),
	}
	if err := s.extend(); err != nil {
		f.Close()
		lk.Unlock()
		return nil, err
	}
	if err := s.writeHeader(); err != nil {
		f.Close()
		lk.Unlock()
		return nil, err
	}
	slog.Info("tablespace created", "path", path, "space", cfg.ID, "pageSize", cfg.PageSize)
	return s, nil
}

// Open opens an existing tablespace file and reads its size from the
// header. The free map is not rebuilt: it starts empty, every page below
// the size mark counts as allocated, and new pages come from extending
// the file past that mark.
func Open(path string, cfg Config) (*Space, error) {
	lk := flock.New(path + ".lock")
	ok, err := lk.TryLock()
	if err != nil {
		return nil, fmt.Errorf("fsp: lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("fsp: tablespace %s is locked by another process", path)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		lk.Unlock()
		return nil, fmt.Errorf("fsp: open: %w", err)
	}

	s := &Space{
		ID:       cfg.ID,
		pageSize: cfg.PageSize,
		maxPages: cfg.MaxSizePages,
		file:     f,
		lock:     lk,
		free:     newFreeTree(),
	}

	hdr := make([]byte, cfg.PageSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		f.Close()
		lk.Unlock()
		return nil, fmt.Errorf("fsp: read header: %w", err)
	}
	if binary.BigEndian.Uint32(hdr[hdrMagicOff:]) != spaceMagic {
		f.Close()
		lk.Unlock()
		return nil, fmt.Errorf("fsp: %s is not a silo tablespace", path)
	}
	if id := binary.BigEndian.Uint32(hdr[hdrSpaceIDOff:]); id != cfg.ID {
		f.Close()
		lk.Unlock()
		return nil, fmt.Errorf("fsp: space id %d, want %d", id, cfg.ID)
	}
	s.sizePgs = binary.BigEndian.Uint32(hdr[hdrSizeOff:])
	return s, nil
}

// AttachPool binds the buffer pool so allocation state changes can be
// redo-logged against the header page.
func (s *Space) AttachPool(pool *buf.Pool) error {
	b, err := pool.Get(0)
	if err != nil {
		return err
	}
	s.headerBlock = b
	return nil
}

// SizeInPages returns the current file size in pages.
func (s *Space) SizeInPages() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizePgs
}

// extend grows the file by one extent and adds it to the free map. The
// first extent keeps its header pages out of the map.
func (s *Space) extend() error {
	if s.maxPages != 0 && s.sizePgs+ExtentSize > s.maxPages {
		return ErrOutOfFileSpace
	}
	start := s.sizePgs
	d := &extentDesc{start: start, nFree: ExtentSize}
	if start == 0 {
		for i := 0; i < reservedPages; i++ {
			d.used[i] = true
			d.nFree--
		}
	}
	s.sizePgs += ExtentSize
	if err := s.file.Truncate(int64(s.sizePgs) * int64(s.pageSize)); err != nil {
		s.sizePgs -= ExtentSize
		return fmt.Errorf("fsp: extend: %w", err)
	}
	s.free.Insert(d)
	return nil
}

// freePages returns the total free pages in the map.
func (s *Space) freePages() int {
	n := 0
	for it := s.free.Min(); !it.Limit(); it = it.Next() {
		n += it.Item().(*extentDesc).nFree
	}
	return n
}

// ReserveFreeExtents ensures n extents' worth of free pages exist,
// growing the file as needed.
func (s *Space) ReserveFreeExtents(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.freePages() < n*ExtentSize {
		if err := s.extend(); err != nil {
			return err
		}
	}
	s.reserved += n
	return nil
}

// ReleaseFreeExtents returns a reservation.
func (s *Space) ReleaseFreeExtents(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserved -= n
	if s.reserved < 0 {
		panic("fsp: reservation underflow")
	}
}

// PageAlloc allocates the lowest free page. The new file size is logged
// against the space header page through m when a pool is attached, so
// allocation redo exists independently of the caller's page writes.
func (s *Space) PageAlloc(m *mtr.Mtr) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.free.Len() == 0 {
		if err := s.extend(); err != nil {
			return 0, err
		}
	}
	it := s.free.Min()
	d := it.Item().(*extentDesc)
	pageNo := uint32(0)
	found := false
	for i := 0; i < ExtentSize; i++ {
		if !d.used[i] {
			d.used[i] = true
			d.nFree--
			pageNo = d.start + uint32(i)
			found = true
			break
		}
	}
	if !found {
		panic("fsp: empty extent in free map")
	}
	if d.nFree == 0 {
		s.free.DeleteWithKey(d)
	}

	if m != nil && s.headerBlock != nil {
		m.XLatch(s.headerBlock)
		m.Write4(s.headerBlock, hdrSizeOff, s.sizePgs)
	}
	return pageNo, nil
}

// PageFree returns a page to the free map.
func (s *Space) PageFree(pageNo uint32, m *mtr.Mtr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := pageNo / ExtentSize * ExtentSize
	probe := &extentDesc{start: start}
	var d *extentDesc
	if it := s.free.FindGE(probe); !it.Limit() {
		if cand := it.Item().(*extentDesc); cand.start == start {
			d = cand
		}
	}
	if d == nil {
		d = &extentDesc{start: start, nFree: ExtentSize}
		for i := range d.used {
			d.used[i] = true
			d.nFree--
		}
		s.free.Insert(d)
	}
	idx := pageNo - start
	if !d.used[idx] {
		panic(fmt.Sprintf("fsp: double free of page %d", pageNo))
	}
	d.used[idx] = false
	d.nFree++

	if m != nil && s.headerBlock != nil {
		m.XLatch(s.headerBlock)
		m.Write4(s.headerBlock, hdrSizeOff, s.sizePgs)
	}
}

// ReadPage reads a page frame. Implements buf.PageIO.
func (s *Space) ReadPage(pageNo uint32, frame []byte) error {
	if _, err := s.file.ReadAt(frame, int64(pageNo)*int64(s.pageSize)); err != nil {
		return fmt.Errorf("fsp: read page %d: %w", pageNo, err)
	}
	return nil
}

// WritePage writes a page frame (or the compressed prefix of one).
// Implements buf.PageIO.
func (s *Space) WritePage(pageNo uint32, frame []byte) error {
	if _, err := s.file.WriteAt(frame, int64(pageNo)*int64(s.pageSize)); err != nil {
		return fmt.Errorf("fsp: write page %d: %w", pageNo, err)
	}
	return nil
}

// writeHeader persists the space header page directly. Used at create
// time, before any pool exists.
func (s *Space) writeHeader() error {
	hdr := make([]byte, s.pageSize)
	p := page.Page(hdr)
	p.SetType(page.PageTypeFspHdr)
	p.SetSpaceID(s.ID)
	binary.BigEndian.PutUint32(hdr[hdrMagicOff:], spaceMagic)
	binary.BigEndian.PutUint32(hdr[hdrSpaceIDOff:], s.ID)
	binary.BigEndian.PutUint32(hdr[hdrSizeOff:], s.sizePgs)
	page.SetChecksum(hdr)
	return s.WritePage(0, hdr)
}

// Sync flushes the file.
func (s *Space) Sync() error {
	return s.file.Sync()
}

// Close syncs the header and releases the file and its lock.
func (s *Space) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeHeaderLocked(); err != nil {
		slog.Error("tablespace header write failed", "space", s.ID, "err", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("fsp: close sync: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return err
	}
	return s.lock.Unlock()
}

func (s *Space) writeHeaderLocked() error {
	hdr := make([]byte, s.pageSize)
	if _, err := s.file.ReadAt(hdr, 0); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(hdr[hdrSizeOff:], s.sizePgs)
	page.SetChecksum(hdr)
	return s.WritePage(0, hdr)
}
