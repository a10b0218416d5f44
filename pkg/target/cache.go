package target

import (
	lru "github.com/hashicorp/golang-lru"
)

const (
	cacheBlockSize = 64
	cacheBlocks    = 256
)

// CachedMemory caches aligned blocks of target memory for the duration of
// one halt. The registry walk re-reads many nearby TCB fields; going back
// to the wire for every 4-byte field is what makes "info threads" slow on
// real probes. Flush must be called on every halt event, cached contents
// are only valid while the target stays stopped.
type CachedMemory struct {
	mem   MemoryReader
	cache *lru.Cache
}

// NewCachedMemory returns a block-caching wrapper around mem.
func NewCachedMemory(mem MemoryReader) *CachedMemory {
	cache, _ := lru.New(cacheBlocks)
	return &CachedMemory{mem: mem, cache: cache}
}

// Flush discards all cached blocks. Call when the target halts.
func (cm *CachedMemory) Flush() {
	cm.cache.Purge()
}

// ReadMemory implements MemoryReader.
func (cm *CachedMemory) ReadMemory(buf []byte, addr uint64) (int, error) {
	n := 0
	for n < len(buf) {
		base := (addr + uint64(n)) &^ uint64(cacheBlockSize-1)
		block, err := cm.block(base)
		if err != nil {
			return n, err
		}
		off := int(addr + uint64(n) - base)
		n += copy(buf[n:], block[off:])
	}
	return n, nil
}

func (cm *CachedMemory) block(base uint64) ([]byte, error) {
	if v, ok := cm.cache.Get(base); ok {
		return v.([]byte), nil
	}
	block := make([]byte, cacheBlockSize)
	if _, err := cm.mem.ReadMemory(block, base); err != nil {
		return nil, err
	}
	cm.cache.Add(base, block)
	return block, nil
}
