package trykernel

import (
	"github.com/trykernel/tkdbg/pkg/rtos"
)

// Raw task states as the kernel stores them (TS_* constants).
const (
	tsNonExist uint32 = 0
	tsReady    uint32 = 1
	tsWait     uint32 = 2
	tsDormant  uint32 = 8
)

// Wait factors (TWFCT_* constants) stored while a task is in TS_WAIT.
const (
	twfctNone uint32 = 0
	twfctDly  uint32 = 1 // tk_dly_tsk
	twfctSlp  uint32 = 2 // tk_slp_tsk
	twfctFlg  uint32 = 3 // tk_wai_flg
	twfctSem  uint32 = 4 // tk_wai_sem
)

// classify maps a snapshot's raw state to the semantic thread state.
// current reports whether the kernel's current-task pointer names this
// TCB; the raw state of the running task still reads TS_READY.
// Unknown codes classify as Unknown so that newer kernels degrade to an
// unlabeled state instead of a failed walk.
func classify(t *TaskSnapshot, current bool) (rtos.State, rtos.WaitReason) {
	if current {
		return rtos.Running, rtos.WaitNone
	}
	switch t.RawState {
	case tsReady:
		return rtos.Ready, rtos.WaitNone
	case tsWait:
		return rtos.Waiting, waitReason(t.WaitFactor)
	case tsDormant:
		return rtos.Dormant, rtos.WaitNone
	}
	return rtos.Unknown, rtos.WaitNone
}

func waitReason(factor uint32) rtos.WaitReason {
	switch factor {
	case twfctDly:
		return rtos.WaitDelay
	case twfctSlp:
		return rtos.WaitSleep
	case twfctFlg:
		return rtos.WaitEventFlag
	case twfctSem:
		return rtos.WaitSemaphore
	case twfctNone:
		return rtos.WaitNone
	}
	return rtos.WaitOther
}

// hasFiniteTimeout reports whether the snapshot's wait has a countdown
// worth displaying.
func hasFiniteTimeout(t *TaskSnapshot) bool {
	return t.RawState == tsWait && t.Timeout != rtos.TimeoutForever && t.Timeout != 0
}
