package trykernel

import (
	"fmt"

	"github.com/trykernel/tkdbg/pkg/rtos"
	"github.com/trykernel/tkdbg/pkg/target"
)

// Kernel globals the provider depends on.
const (
	symTCBTable = "tcb_tbl"       // task control block array
	symCurTask  = "cur_task"      // pointer to the running task's TCB
	symMaxTask  = "cnf_max_tskid" // optional registry size companion
)

// kernelSymbols is the resolved address set, written once at activation
// and read-only afterwards.
type kernelSymbols struct {
	tcbTable uint64
	curTask  uint64
	maxTasks int
}

// maxPlausibleTasks bounds the registry size read from the image; beyond
// this the image is considered corrupt rather than merely large.
const maxPlausibleTasks = 4096

// locateSymbols resolves the kernel globals. Symbol addresses are
// link-time constants: this runs once per session, not per halt. A missing
// required symbol is fatal to activation.
func locateSymbols(syms target.SymbolTable, mem target.MemoryReader, layout Layout, maxTasksOverride int) (*kernelSymbols, error) {
	ks := &kernelSymbols{}

	var err error
	if ks.tcbTable, err = syms.ResolveSymbol(symTCBTable); err != nil {
		return nil, &rtos.MissingSymbolError{Symbol: symTCBTable, Err: err}
	}
	if ks.curTask, err = syms.ResolveSymbol(symCurTask); err != nil {
		return nil, &rtos.MissingSymbolError{Symbol: symCurTask, Err: err}
	}

	ks.maxTasks = layout.DefaultMaxTasks
	if addr, err := syms.ResolveSymbol(symMaxTask); err == nil {
		n, err := target.ReadUint32(mem, addr)
		if err != nil {
			return nil, err
		}
		ks.maxTasks = int(n)
	}
	if maxTasksOverride > 0 {
		ks.maxTasks = maxTasksOverride
	}
	if ks.maxTasks <= 0 || ks.maxTasks > maxPlausibleTasks {
		return nil, &rtos.InvalidImageError{
			Reason: fmt.Sprintf("implausible task registry size %d", ks.maxTasks),
		}
	}
	return ks, nil
}
