package buf

import (
	"errors"
	"fmt"
	"sync"

	"github.com/weiihann/silo/page"
)

// ErrPageNotFound is returned when a page is neither resident nor
// readable from the backing store.
var ErrPageNotFound = errors.New("buf: page not found")

// PageIO reads and writes page frames in the backing tablespace file.
// Implemented by fsp.Space.
type PageIO interface {
	ReadPage(pageNo uint32, frame []byte) error
	WritePage(pageNo uint32, frame []byte) error
}

// Pool caches the frames of one tablespace.
type Pool struct {
	mu       sync.Mutex
	spaceID  uint32
	pageSize int
	blocks   map[uint32]*Block
	io       PageIO

	// FlushEvent wakes the page cleaner. Writers poke it after producing
	// a batch of dirty pages.
	FlushEvent chan struct{}

	// Frame codec for compressed pages: the persisted form of such a
	// page is its zip image, decoded back into a full frame on read.
	zipSize    int
	decompress func(zipFrame, frame []byte) error

	cleaner *cleaner
}

// NewPool creates a pool over the given backing store.
func NewPool(spaceID uint32, pageSize int, io PageIO) *Pool {
	return &Pool{
		spaceID:    spaceID,
		pageSize:   pageSize,
		blocks:     make(map[uint32]*Block),
		io:         io,
		FlushEvent: make(chan struct{}, 1),
	}
}

// PageSize returns the frame size.
func (p *Pool) PageSize() int {
	return p.pageSize
}

// SetFrameCodec enables reading back persisted compressed pages: frames
// whose stored type marks them as compressed are decoded with the given
// function, and the raw image is retained as the block's shadow frame.
func (p *Pool) SetFrameCodec(zipSize int, decompress func(zipFrame, frame []byte) error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.zipSize = zipSize
	p.decompress = decompress
}

// Alloc installs a fresh zeroed frame for pageNo, with a compressed
// shadow frame of zipSize bytes when zipSize is nonzero. Any stale
// resident block for the same page number is displaced and its
// optimistic re-latches invalidated.
func (p *Pool) Alloc(pageNo uint32, zipSize int) *Block {
	p.mu.Lock()
	defer p.mu.Unlock()

	if old, ok := p.blocks[pageNo]; ok {
		old.bumpModifyClock()
	}
	b := &Block{
		SpaceID: p.spaceID,
		PageNo:  pageNo,
		Frame:   make([]byte, p.pageSize),
	}
	if zipSize > 0 {
		b.ZipFrame = make([]byte, zipSize)
	}
	p.blocks[pageNo] = b
	return b
}

// Get returns the resident block for pageNo, reading it from the backing
// store on a miss.
func (p *Pool) Get(pageNo uint32) (*Block, error) {
	p.mu.Lock()
	if b, ok := p.blocks[pageNo]; ok {
		p.mu.Unlock()
		return b, nil
	}
	p.mu.Unlock()

	frame := make([]byte, p.pageSize)
	if err := p.io.ReadPage(pageNo, frame); err != nil {
		return nil, fmt.Errorf("%w: page %d: %v", ErrPageNotFound, pageNo, err)
	}

	var zipFrame []byte
	if page.Page(frame).Type() == page.PageTypeCompressed {
		if p.decompress == nil {
			return nil, fmt.Errorf("buf: page %d is compressed and no frame codec is set", pageNo)
		}
		zipFrame = make([]byte, p.zipSize)
		copy(zipFrame, frame[:p.zipSize])
		frame = make([]byte, p.pageSize)
		if err := p.decompress(zipFrame, frame); err != nil {
			return nil, fmt.Errorf("buf: page %d: %w", pageNo, err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.blocks[pageNo]; ok {
		// Raced with another reader.
		return b, nil
	}
	b := &Block{SpaceID: p.spaceID, PageNo: pageNo, Frame: frame, ZipFrame: zipFrame}
	p.blocks[pageNo] = b
	return b, nil
}

// GetIfInPool returns the resident block for pageNo, or nil.
func (p *Pool) GetIfInPool(pageNo uint32) *Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.blocks[pageNo]
}

// OptimisticGet re-acquires an exclusive latch on a previously released
// block, keyed on the modify clock saved at release time. It fails when
// the block was evicted or rebound since.
func (p *Pool) OptimisticGet(b *Block, modifyClock uint64) bool {
	b.Latch.Lock()
	if b.ModifyClock() != modifyClock {
		b.Latch.Unlock()
		return false
	}
	p.mu.Lock()
	resident := p.blocks[b.PageNo] == b
	p.mu.Unlock()
	if !resident {
		b.Latch.Unlock()
		return false
	}
	return true
}

// Evict drops an unpinned clean block from the pool, invalidating its
// optimistic re-latches.
func (p *Pool) Evict(pageNo uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.blocks[pageNo]
	if !ok || b.FixCount() > 0 || b.IsDirty() {
		return false
	}
	b.bumpModifyClock()
	delete(p.blocks, pageNo)
	return true
}

// PokeCleaner wakes the page cleaner without blocking.
func (p *Pool) PokeCleaner() {
	select {
	case p.FlushEvent <- struct{}{}:
	default:
	}
}

// snapshot returns the resident blocks for the cleaner to scan.
func (p *Pool) snapshot() []*Block {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Block, 0, len(p.blocks))
	for _, b := range p.blocks {
		out = append(out, b)
	}
	return out
}
