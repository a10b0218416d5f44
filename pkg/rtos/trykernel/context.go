package trykernel

import (
	"fmt"

	"github.com/trykernel/tkdbg/pkg/rtos"
	"github.com/trykernel/tkdbg/pkg/rtos/armcm"
	"github.com/trykernel/tkdbg/pkg/target"
)

// The context of a thread is decided once per walk and tagged by origin:
// the running task reads live hardware registers, every suspended task
// reads the frame its stack holds. Dispatching on the tag instead of
// re-checking "is this the current task" at fetch time keeps a stale
// walk from ever mixing live and saved registers.

// runningContext serves the one task executing on the CPU from the live
// register file. No decoding is needed beyond what the transport provides.
type runningContext struct {
	tgt target.Target
}

func (c *runningContext) Registers() (*rtos.RegisterSet, error) {
	regs := make([]rtos.Register, 0, len(armcm.GPRegisters))
	for _, name := range armcm.GPRegisters {
		v, err := c.tgt.ReadRegister(name)
		if err != nil {
			return nil, fmt.Errorf("live register %s: %w", name, err)
		}
		if name == "xpsr" {
			regs = armcm.AppendXPSRReg(regs, uint32(v))
		} else {
			regs = rtos.AppendDwordReg(regs, name, uint32(v))
		}
	}
	return &rtos.RegisterSet{Regs: regs}, nil
}

// savedFrameContext reconstructs a suspended task's registers from the
// frame at its saved stack pointer.
type savedFrameContext struct {
	mem    target.MemoryReader
	thread uint64
	sp     uint64
	// exception is set when sp is the live process stack pointer of a
	// task interrupted by the exception currently being handled, rather
	// than a stack pointer the dispatcher stored in the TCB.
	exception bool
}

func (c *savedFrameContext) Registers() (*rtos.RegisterSet, error) {
	if c.sp == 0 {
		return nil, &rtos.FrameDecodeError{Thread: c.thread, SP: c.sp, Reason: "null saved stack pointer"}
	}
	if c.sp%4 != 0 {
		return nil, &rtos.FrameDecodeError{Thread: c.thread, SP: c.sp, Reason: "misaligned saved stack pointer"}
	}
	frame, err := armcm.ReadFrame(c.mem, c.sp)
	if err != nil {
		return nil, &rtos.FrameDecodeError{Thread: c.thread, SP: c.sp, Reason: err.Error()}
	}
	return frame.RegisterSet(c.sp, c.exception), nil
}
