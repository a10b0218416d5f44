package rtos

import "testing"

type staticContext struct {
	regs *RegisterSet
}

func (c *staticContext) Registers() (*RegisterSet, error) { return c.regs, nil }

func TestLabelWithLocation(t *testing.T) {
	regs := &RegisterSet{Regs: AppendDwordReg(nil, "pc", 0x10000224)}
	th := &Thread{
		ID:       0x20000440,
		Name:     "task1",
		State:    Waiting,
		Wait:     WaitSemaphore,
		Priority: 2,
		Context:  &staticContext{regs: regs},
	}

	describe := func(pc uint64) string {
		if pc == 0x10000224 {
			return "task_led+0x24"
		}
		return ""
	}
	if got, want := th.Label(describe), "task1 (WAIT: semaphore; priority 2) at task_led+0x24"; got != want {
		t.Errorf("Label = %q, want %q", got, want)
	}

	// No describe function: plain state row.
	if got, want := th.Label(nil), "task1 (WAIT: semaphore; priority 2)"; got != want {
		t.Errorf("Label = %q, want %q", got, want)
	}
}

func TestLabelTimeout(t *testing.T) {
	th := &Thread{Name: "task2", State: Waiting, Wait: WaitDelay, Priority: 1, Timeout: 200, HasTimeout: true}
	if got, want := th.Label(nil), "task2 (WAIT: delay, tmo 200; priority 1)"; got != want {
		t.Errorf("Label = %q, want %q", got, want)
	}
}

func TestRegisterSetLookup(t *testing.T) {
	regs := &RegisterSet{Regs: AppendDwordReg(AppendDwordReg(nil, "sp", 0x20004044), "pc", 0x100001f4)}
	if v, ok := regs.Get("PC"); !ok || v != 0x100001f4 {
		t.Errorf("case-insensitive Get failed: %#x %v", v, ok)
	}
	if _, ok := regs.Get("r19"); ok {
		t.Error("Get must report absent registers")
	}
}
