// Package rtos holds the kernel-neutral thread model shared between RTOS
// providers and their consumers: thread descriptors, task states, register
// sets and the error kinds that can come out of a registry walk.
package rtos

import (
	"fmt"
	"strings"
)

// State is the semantic run state of a task, classified from the raw
// kernel status code.
type State int

const (
	// Unknown is any status code the classifier has no mapping for.
	Unknown State = iota
	// Running is the task named by the kernel's current task pointer.
	Running
	// Ready is runnable but preempted.
	Ready
	// Waiting is blocked, see WaitReason.
	Waiting
	// Dormant is created but not started, or exited.
	Dormant
)

func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Ready:
		return "READY"
	case Waiting:
		return "WAIT"
	case Dormant:
		return "DORMANT"
	}
	return "UNKNOWN"
}

// WaitReason sub-classifies Waiting.
type WaitReason int

const (
	WaitNone WaitReason = iota
	WaitDelay
	WaitSleep
	WaitEventFlag
	WaitSemaphore
	WaitSuspended
	WaitOther
)

func (w WaitReason) String() string {
	switch w {
	case WaitDelay:
		return "delay"
	case WaitSleep:
		return "sleep"
	case WaitEventFlag:
		return "eventflag"
	case WaitSemaphore:
		return "semaphore"
	case WaitSuspended:
		return "suspended"
	case WaitOther:
		return "wait"
	}
	return ""
}

// TimeoutForever marks an indefinite wait in the kernel's timeout encoding.
const TimeoutForever = ^uint32(0)

// HandlerThreadID is the reserved descriptor id of the pseudo-thread
// representing the CPU's own exception/interrupt context. TCB addresses
// are word aligned, so the id cannot collide with a real task.
const HandlerThreadID uint64 = 2

// Thread is one presentable thread: a task of the target kernel, or the
// handler-mode pseudo-thread. Register retrieval is deferred to the
// Context, which is chosen once per walk.
type Thread struct {
	// ID is the identifier exposed to the host debugger. For kernel
	// tasks it is the TCB address, which is unique and stable for the
	// task's lifetime.
	ID uint64
	// Name is the task display name.
	Name string

	State    State
	Wait     WaitReason
	Priority int

	// Timeout is the remaining wait time in kernel ticks; only
	// meaningful when HasTimeout is set. TimeoutForever never sets
	// HasTimeout.
	Timeout    uint32
	HasTimeout bool

	// Context retrieves this thread's registers. Nil when the walk
	// already knows the context is unavailable.
	Context Context
}

// Context produces the register set of one thread at the current halt.
// Implementations are tagged by origin: live CPU registers for the running
// task, a decoded stack frame for everything else.
type Context interface {
	Registers() (*RegisterSet, error)
}

// Label renders the debugger-facing description row for the thread,
// annotated with the program location when describe can resolve the PC.
func (t *Thread) Label(describe func(pc uint64) string) string {
	var b strings.Builder
	if t.ID == HandlerThreadID {
		fmt.Fprintf(&b, "%s", t.Name)
	} else {
		fmt.Fprintf(&b, "%s (%s", t.Name, t.State)
		if t.State == Waiting && t.Wait != WaitNone {
			fmt.Fprintf(&b, ": %s", t.Wait)
			if t.HasTimeout {
				fmt.Fprintf(&b, ", tmo %d", t.Timeout)
			}
		}
		fmt.Fprintf(&b, "; priority %d)", t.Priority)
	}
	if describe != nil && t.Context != nil {
		if regs, err := t.Context.Registers(); err == nil {
			if pc, ok := regs.PC(); ok {
				if loc := describe(pc); loc != "" {
					fmt.Fprintf(&b, " at %s", loc)
				}
			}
		}
	}
	return b.String()
}
