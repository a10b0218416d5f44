package armcm

import (
	"bytes"
	"encoding/binary"

	"github.com/lunixbochs/struc"
	"github.com/trykernel/tkdbg/pkg/rtos"
	"github.com/trykernel/tkdbg/pkg/target"
)

// SavedFrame is the stack frame the kernel's dispatcher leaves on a task's
// stack when it is switched out. The dispatcher pushes the callee-saved
// registers below the frame the exception entry sequence already pushed,
// so reading FrameSize bytes at the saved stack pointer yields the whole
// register file except sp itself.
type SavedFrame struct {
	R8  uint32 `struc:"uint32,little"`
	R9  uint32 `struc:"uint32,little"`
	R10 uint32 `struc:"uint32,little"`
	R11 uint32 `struc:"uint32,little"`
	R4  uint32 `struc:"uint32,little"`
	R5  uint32 `struc:"uint32,little"`
	R6  uint32 `struc:"uint32,little"`
	R7  uint32 `struc:"uint32,little"`
	// Pushed by the exception entry sequence.
	R0   uint32 `struc:"uint32,little"`
	R1   uint32 `struc:"uint32,little"`
	R2   uint32 `struc:"uint32,little"`
	R3   uint32 `struc:"uint32,little"`
	R12  uint32 `struc:"uint32,little"`
	LR   uint32 `struc:"uint32,little"`
	PC   uint32 `struc:"uint32,little"`
	XPSR uint32 `struc:"uint32,little"`
}

// FrameSize is the byte size of SavedFrame on the stack.
const FrameSize = 64

// dispatcherPad is the one extra word the dispatcher pushes below the
// frame before storing the stack pointer into the TCB.
const dispatcherPad = 4

// ReadFrame reads and decodes the saved frame at sp. The caller is
// responsible for having validated sp.
func ReadFrame(mem target.MemoryReader, sp uint64) (*SavedFrame, error) {
	buf := make([]byte, FrameSize)
	if _, err := mem.ReadMemory(buf, sp); err != nil {
		return nil, &target.MemoryReadError{Addr: sp, Len: FrameSize, Err: err}
	}
	frame := new(SavedFrame)
	if err := struc.UnpackWithOrder(bytes.NewReader(buf), frame, binary.LittleEndian); err != nil {
		return nil, err
	}
	return frame, nil
}

// RegisterSet converts the frame into the register file the task would
// show if it were running. exception selects the stack pointer
// correction: a task interrupted by an exception resumes at frame end,
// a dispatcher-saved task has one extra word below the frame.
func (frame *SavedFrame) RegisterSet(sp uint64, exception bool) *rtos.RegisterSet {
	unwoundSP := sp + FrameSize
	if !exception {
		unwoundSP += dispatcherPad
	}

	regs := make([]rtos.Register, 0, len(GPRegisters))
	for _, v := range []struct {
		name  string
		value uint32
	}{
		{"r0", frame.R0}, {"r1", frame.R1}, {"r2", frame.R2}, {"r3", frame.R3},
		{"r4", frame.R4}, {"r5", frame.R5}, {"r6", frame.R6}, {"r7", frame.R7},
		{"r8", frame.R8}, {"r9", frame.R9}, {"r10", frame.R10}, {"r11", frame.R11},
		{"r12", frame.R12},
	} {
		regs = rtos.AppendDwordReg(regs, v.name, v.value)
	}
	regs = rtos.AppendDwordReg(regs, "sp", uint32(unwoundSP))
	regs = rtos.AppendDwordReg(regs, "lr", frame.LR)
	regs = rtos.AppendDwordReg(regs, "pc", frame.PC)
	regs = AppendXPSRReg(regs, frame.XPSR)
	return &rtos.RegisterSet{Regs: regs}
}
