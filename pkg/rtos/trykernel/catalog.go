package trykernel

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/trykernel/tkdbg/pkg/logflags"
	"github.com/trykernel/tkdbg/pkg/rtos"
	"github.com/trykernel/tkdbg/pkg/rtos/armcm"
	"github.com/trykernel/tkdbg/pkg/target"
)

// Config selects the kernel layout and optional extras for a Catalog.
type Config struct {
	// KernelVersion picks the TCB layout; empty means latest.
	KernelVersion string
	// MaxTasks overrides the registry size from the image.
	MaxTasks int
	// Describe, when set, resolves a program counter to a location
	// string for thread labels.
	Describe func(pc uint64) string
}

// Catalog presents the kernel's task registry as a thread list. All reads
// go through a per-halt memory cache; a full re-walk happens on every halt
// event since tasks may have been created or destroyed in between.
//
// The catalog is driven synchronously by the host debugger's halt/resume
// lifecycle and is not safe for concurrent use; there is no concurrent
// caller in that lifecycle.
type Catalog struct {
	tgt    target.Target
	mem    *target.CachedMemory
	layout Layout
	syms   *kernelSymbols
	conf   Config
	log    *logrus.Entry

	threads []*rtos.Thread
	byID    map[uint64]*rtos.Thread
	walked  bool
}

// New activates the provider: it selects the TCB layout and resolves the
// kernel globals. Activation fails outright on a missing symbol or an
// implausible image; a half-activated provider would produce garbage
// thread lists.
func New(tgt target.Target, syms target.SymbolTable, conf Config) (*Catalog, error) {
	layout, err := LayoutFor(conf.KernelVersion)
	if err != nil {
		return nil, err
	}

	halted, err := tgt.Halted()
	if err != nil {
		return nil, err
	}
	if !halted {
		return nil, target.ErrTargetRunning
	}

	mem := target.NewCachedMemory(tgt)
	ks, err := locateSymbols(syms, mem, layout, conf.MaxTasks)
	if err != nil {
		return nil, err
	}

	log := logflags.RTOSLogger()
	log.Debugf("activated: tcb_tbl=%#x cur_task=%#x max=%d", ks.tcbTable, ks.curTask, ks.maxTasks)

	return &Catalog{
		tgt:    tgt,
		mem:    mem,
		layout: layout,
		syms:   ks,
		conf:   conf,
		log:    log,
	}, nil
}

// OnHalt discards all state from the previous stop and re-walks the task
// registry. Call on every debugger halt event.
func (c *Catalog) OnHalt() error {
	c.mem.Flush()
	c.walked = false
	return c.update()
}

// ListThreads returns the thread descriptors of the current halt, in
// registry slot order. The first call after a halt performs the walk.
func (c *Catalog) ListThreads() ([]*rtos.Thread, error) {
	if !c.walked {
		if err := c.update(); err != nil {
			return nil, err
		}
	}
	return c.threads, nil
}

// Registers returns the register set of the given thread, decoding the
// saved frame on demand. Frame decoding is deliberately lazy: it is only
// needed for threads the user actually inspects.
func (c *Catalog) Registers(threadID uint64) (*rtos.RegisterSet, error) {
	if !c.walked {
		if err := c.update(); err != nil {
			return nil, err
		}
	}
	th, ok := c.byID[threadID]
	if !ok {
		return nil, fmt.Errorf("unknown thread id %#x", threadID)
	}
	if th.Context == nil {
		return nil, &rtos.FrameDecodeError{Thread: th.ID, Reason: "context unavailable"}
	}
	return th.Context.Registers()
}

// Label renders the debugger-facing row for one thread.
func (c *Catalog) Label(th *rtos.Thread) string {
	return th.Label(c.conf.Describe)
}

// update performs the registry walk. Per-task failures are localized: one
// unreadable TCB is logged and skipped, it never aborts the walk.
func (c *Catalog) update() error {
	halted, err := c.tgt.Halted()
	if err != nil {
		return err
	}
	if !halted {
		return target.ErrTargetRunning
	}

	c.threads = nil
	c.byID = make(map[uint64]*rtos.Thread)
	c.walked = true

	// A kernel that has not initialized its registry yet yields an empty
	// thread set, not an error.
	curTask, err := target.ReadUint32(c.mem, c.syms.curTask)
	if err != nil {
		c.log.Warnf("cur_task unreadable, kernel likely not initialized: %v", err)
		return nil
	}

	inException := false
	if xpsr, err := c.tgt.ReadRegister("xpsr"); err == nil {
		inException = armcm.IPSR(xpsr) != 0
	}

	for i := 0; i < c.syms.maxTasks; i++ {
		addr := c.syms.tcbTable + uint64(i)*c.layout.Stride
		t, err := readTCB(c.mem, c.layout, addr, i)
		if err != nil {
			c.log.Debugf("skipping slot %d: %v", i, err)
			continue
		}
		if t.RawState == tsNonExist {
			continue
		}

		current := curTask != 0 && uint64(curTask) == addr
		state, wait := classify(t, current)

		th := &rtos.Thread{
			ID:       addr,
			Name:     t.Name(),
			State:    state,
			Wait:     wait,
			Priority: t.Priority,
		}
		if state == rtos.Waiting && hasFiniteTimeout(t) {
			th.Timeout = t.Timeout
			th.HasTimeout = true
		}
		th.Context = c.contextFor(t, current, inException)

		c.threads = append(c.threads, th)
		c.byID[th.ID] = th
		c.log.Debugf("slot %d: %s state=%d sp=%#x", i, th.Name, t.RawState, t.SavedSP)
	}

	// The interrupted exception/dispatcher context is itself presentable
	// as a pseudo-thread reading the live registers.
	if inException {
		th := &rtos.Thread{
			ID:      rtos.HandlerThreadID,
			Name:    "Handler mode",
			State:   rtos.Running,
			Context: &runningContext{tgt: c.tgt},
		}
		c.threads = append(c.threads, th)
		c.byID[th.ID] = th
	}

	return nil
}

// contextFor picks the register origin for one task, once per walk.
func (c *Catalog) contextFor(t *TaskSnapshot, current, inException bool) rtos.Context {
	if !current {
		return &savedFrameContext{mem: c.mem, thread: t.Addr, sp: t.SavedSP}
	}
	if !inException {
		return &runningContext{tgt: c.tgt}
	}
	// The current task was interrupted by the exception we are halted
	// in: its frame sits on the process stack, not in the TCB yet.
	psp, err := c.tgt.ReadRegister("psp")
	if err != nil {
		c.log.Warnf("psp unreadable in handler mode, falling back to live registers: %v", err)
		return &runningContext{tgt: c.tgt}
	}
	return &savedFrameContext{mem: c.mem, thread: t.Addr, sp: psp, exception: true}
}
