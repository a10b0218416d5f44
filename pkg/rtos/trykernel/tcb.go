package trykernel

import (
	"encoding/binary"
	"fmt"

	"github.com/trykernel/tkdbg/pkg/target"
)

// TaskSnapshot is an immutable point-in-time copy of one TCB, taken during
// one registry walk. It is never updated: the next walk supersedes it.
type TaskSnapshot struct {
	Index int    // registry slot number, the kernel task id is Index+1
	Addr  uint64 // TCB address, used as the thread id

	SavedSP    uint64
	RawState   uint32
	Priority   int
	WaitFactor uint32
	Timeout    uint32
}

// Name returns the task display name. TryKernel TCBs carry no name field;
// tasks are numbered by registry slot.
func (t *TaskSnapshot) Name() string {
	return fmt.Sprintf("task%d", t.Index)
}

// readTCB decodes the TCB slot at addr per the layout. A short read is
// reported as an error, never decoded as garbage.
func readTCB(mem target.MemoryReader, layout Layout, addr uint64, index int) (*TaskSnapshot, error) {
	buf := make([]byte, layout.Stride)
	if n, err := mem.ReadMemory(buf, addr); err != nil {
		return nil, &target.MemoryReadError{Addr: addr, Len: int(layout.Stride), Err: err}
	} else if uint64(n) != layout.Stride {
		return nil, fmt.Errorf("short TCB read at %#x: %d of %d bytes", addr, n, layout.Stride)
	}

	word := func(off uint64) uint32 {
		return binary.LittleEndian.Uint32(buf[off : off+4])
	}
	return &TaskSnapshot{
		Index:      index,
		Addr:       addr,
		SavedSP:    uint64(word(layout.ContextOffset)),
		RawState:   word(layout.StateOffset),
		Priority:   int(word(layout.PriorityOffset)),
		WaitFactor: word(layout.WaitFactorOffset),
		Timeout:    word(layout.TimeoutOffset),
	}, nil
}
