package rtos

import (
	"fmt"
	"strings"
)

// Register represents one CPU register of a thread.
type Register struct {
	Name  string
	Value uint64
	// Text is the human readable rendering; flag registers get their
	// bits spelled out, everything else is plain hex.
	Text string
}

// RegisterSet is the full register file of one thread at one halt. It is
// computed lazily and never reused across halts.
type RegisterSet struct {
	Regs []Register
}

// AppendDwordReg appends a 32 bit register to regs.
func AppendDwordReg(regs []Register, name string, value uint32) []Register {
	return append(regs, Register{name, uint64(value), fmt.Sprintf("%#08x", value)})
}

// Get returns the value of the named register.
func (rs *RegisterSet) Get(name string) (uint64, bool) {
	for i := range rs.Regs {
		if strings.EqualFold(rs.Regs[i].Name, name) {
			return rs.Regs[i].Value, true
		}
	}
	return 0, false
}

// PC returns the program counter.
func (rs *RegisterSet) PC() (uint64, bool) {
	return rs.Get("pc")
}

// SP returns the stack pointer.
func (rs *RegisterSet) SP() (uint64, bool) {
	return rs.Get("sp")
}
