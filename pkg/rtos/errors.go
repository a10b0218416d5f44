package rtos

import "fmt"

// MissingSymbolError means a kernel global the provider requires is absent
// from the image. Fatal to activation: the image does not contain the
// kernel, or was built without symbols.
type MissingSymbolError struct {
	Symbol string
	Err    error
}

func (err *MissingSymbolError) Error() string {
	return fmt.Sprintf("incompatible or absent kernel image: required symbol %q: %v", err.Symbol, err.Err)
}

func (err *MissingSymbolError) Unwrap() error { return err.Err }

// InvalidImageError means a decoded kernel structure failed a sanity
// check. Fatal to activation.
type InvalidImageError struct {
	Reason string
}

func (err *InvalidImageError) Error() string {
	return fmt.Sprintf("invalid kernel image: %s", err.Reason)
}

// FrameDecodeError means one task's saved stack frame could not be
// decoded. Localized to that task: the thread stays listed but reports
// its context as unavailable.
type FrameDecodeError struct {
	Thread uint64
	SP     uint64
	Reason string
}

func (err *FrameDecodeError) Error() string {
	return fmt.Sprintf("context unavailable for thread %#x: saved sp %#x: %s", err.Thread, err.SP, err.Reason)
}
