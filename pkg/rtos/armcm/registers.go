// Package armcm decodes ARMv6/7-M execution state: the register file
// naming, xPSR rendering and the saved stack frame a context switch leaves
// on a task's stack.
package armcm

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/trykernel/tkdbg/pkg/rtos"
)

// GPRegisters is the m-profile register file in gdb numbering order.
var GPRegisters = []string{
	"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
	"r8", "r9", "r10", "r11", "r12", "sp", "lr", "pc",
	"xpsr",
}

// IPSR extracts the exception number from an xPSR value. Zero means
// thread mode.
func IPSR(xpsr uint64) uint64 {
	return xpsr & 0x1ff
}

type flagDescr struct {
	name string
	mask uint32
}

// xpsrDescription covers the APSR condition flags plus the IPSR exception
// number field of the combined xPSR view.
var xpsrDescription = []flagDescr{
	{"N", 1 << 31},
	{"Z", 1 << 30},
	{"C", 1 << 29},
	{"V", 1 << 28},
	{"T", 1 << 24},
	{"ISR", 0x1ff},
}

// DescribeXPSR renders an xPSR value with its flags spelled out.
func DescribeXPSR(value uint32) string {
	var r []string
	for _, f := range xpsrDescription {
		// rbm is f.mask with only the right-most bit set.
		rbm := f.mask & -f.mask
		if rbm == f.mask {
			if value&f.mask != 0 {
				r = append(r, f.name)
			}
		} else if x := value & f.mask; x != 0 {
			r = append(r, fmt.Sprintf("%s=%x", f.name, x>>bits.TrailingZeros32(rbm)))
		}
	}
	return fmt.Sprintf("%#08x\t[%s]", value, strings.Join(r, " "))
}

// AppendXPSRReg appends the xPSR register with flag rendering to regs.
func AppendXPSRReg(regs []rtos.Register, value uint32) []rtos.Register {
	return append(regs, rtos.Register{Name: "xpsr", Value: uint64(value), Text: DescribeXPSR(value)})
}
