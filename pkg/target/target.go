// Package target defines the interfaces through which the RTOS provider
// reads the halted remote target. Implementations live in gdbwire (live
// memory and registers over the GDB remote serial protocol) and elfsym
// (symbol addresses from the firmware image).
package target

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTargetRunning is returned by any read attempted while the target is
// not halted. All introspection requires a stopped CPU.
var ErrTargetRunning = errors.New("target is running")

// MemoryReader reads raw bytes from target memory.
type MemoryReader interface {
	// ReadMemory fills buf with the memory at addr. A short read is an error.
	ReadMemory(buf []byte, addr uint64) (int, error)
}

// RegisterReader reads a live CPU register by name (e.g. "pc", "xpsr").
type RegisterReader interface {
	ReadRegister(name string) (uint64, error)
}

// SymbolTable resolves a global symbol name to its link-time address.
type SymbolTable interface {
	ResolveSymbol(name string) (uint64, error)
}

// Target is the debug transport as seen by the RTOS provider.
type Target interface {
	MemoryReader
	RegisterReader

	// Halted reports whether the target CPU is currently stopped.
	Halted() (bool, error)
}

// MemoryReadError wraps a failed read with the address range that failed.
type MemoryReadError struct {
	Addr uint64
	Len  int
	Err  error
}

func (err *MemoryReadError) Error() string {
	return fmt.Sprintf("could not read %d bytes at %#x: %v", err.Len, err.Addr, err.Err)
}

func (err *MemoryReadError) Unwrap() error { return err.Err }

// ReadUint32 reads a little-endian 32bit word from target memory.
func ReadUint32(mem MemoryReader, addr uint64) (uint32, error) {
	buf := make([]byte, 4)
	if _, err := mem.ReadMemory(buf, addr); err != nil {
		return 0, &MemoryReadError{Addr: addr, Len: 4, Err: err}
	}
	return binary.LittleEndian.Uint32(buf), nil
}
