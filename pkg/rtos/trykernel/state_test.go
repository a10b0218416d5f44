package trykernel

import (
	"testing"

	"github.com/trykernel/tkdbg/pkg/rtos"
)

func TestClassify(t *testing.T) {
	for _, tc := range []struct {
		name    string
		raw     uint32
		factor  uint32
		current bool
		state   rtos.State
		wait    rtos.WaitReason
	}{
		{"ready", tsReady, 0, false, rtos.Ready, rtos.WaitNone},
		{"running overrides raw state", tsReady, 0, true, rtos.Running, rtos.WaitNone},
		{"dormant", tsDormant, 0, false, rtos.Dormant, rtos.WaitNone},
		{"delay", tsWait, twfctDly, false, rtos.Waiting, rtos.WaitDelay},
		{"sleep", tsWait, twfctSlp, false, rtos.Waiting, rtos.WaitSleep},
		{"eventflag", tsWait, twfctFlg, false, rtos.Waiting, rtos.WaitEventFlag},
		{"semaphore", tsWait, twfctSem, false, rtos.Waiting, rtos.WaitSemaphore},
		{"future wait factor", tsWait, 99, false, rtos.Waiting, rtos.WaitOther},
		{"future state code", 0x40, 0, false, rtos.Unknown, rtos.WaitNone},
	} {
		snap := &TaskSnapshot{RawState: tc.raw, WaitFactor: tc.factor}
		state, wait := classify(snap, tc.current)
		if state != tc.state || wait != tc.wait {
			t.Errorf("%s: got (%v, %v), want (%v, %v)", tc.name, state, wait, tc.state, tc.wait)
		}
	}
}

func TestHasFiniteTimeout(t *testing.T) {
	if !hasFiniteTimeout(&TaskSnapshot{RawState: tsWait, Timeout: 200}) {
		t.Error("finite delay must surface its countdown")
	}
	if hasFiniteTimeout(&TaskSnapshot{RawState: tsWait, Timeout: rtos.TimeoutForever}) {
		t.Error("TMO_FEVR is not a countdown")
	}
	if hasFiniteTimeout(&TaskSnapshot{RawState: tsReady, Timeout: 200}) {
		t.Error("timeout of a non-waiting task is stale")
	}
}

func TestLayoutFor(t *testing.T) {
	layout, err := LayoutFor("")
	if err != nil {
		t.Fatal(err)
	}
	if layout.Stride != 64 {
		t.Errorf("latest layout stride: got %d", layout.Stride)
	}
	if _, err := LayoutFor("0.1"); err == nil {
		t.Error("expected error for unsupported version")
	}
}
