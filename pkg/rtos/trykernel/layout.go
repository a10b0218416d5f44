// Package trykernel is the TryKernel awareness provider: it walks the
// kernel's task control block table in target memory on every halt and
// presents each task as an inspectable thread, reconstructing suspended
// register files from the frames the dispatcher saved.
package trykernel

import (
	"fmt"
	"sort"
)

// Layout describes the byte layout of one kernel version's task control
// block. The TCB is kernel-internal and not part of any public ABI;
// supporting a new kernel version means registering a new table entry
// here, not touching the walk logic.
type Layout struct {
	// Stride is the size of one TCB slot in the tcb_tbl array.
	Stride uint64

	// Field offsets into one TCB.
	ContextOffset    uint64 // saved stack pointer
	StateOffset      uint64 // raw task state
	PriorityOffset   uint64 // task priority, lower value runs first
	WaitFactorOffset uint64 // what the task is waiting on
	TimeoutOffset    uint64 // remaining wait time in ticks

	// DefaultMaxTasks is the registry size compiled into the kernel
	// (CNF_MAX_TSKID) when the image carries no companion symbol.
	DefaultMaxTasks int
}

// layouts maps a kernel version to its TCB layout.
var layouts = map[string]Layout{
	"3.0": {
		Stride:           64,
		ContextOffset:    0,
		StateOffset:      12,
		PriorityOffset:   20,
		WaitFactorOffset: 24,
		TimeoutOffset:    28,
		DefaultMaxTasks:  32,
	},
}

// LatestVersion is the layout used when no version is configured.
const LatestVersion = "3.0"

// LayoutFor returns the TCB layout for the given kernel version. An empty
// version selects LatestVersion.
func LayoutFor(version string) (Layout, error) {
	if version == "" {
		version = LatestVersion
	}
	layout, ok := layouts[version]
	if !ok {
		return Layout{}, fmt.Errorf("unsupported kernel version %q (supported: %v)", version, supportedVersions())
	}
	return layout, nil
}

func supportedVersions() []string {
	versions := make([]string, 0, len(layouts))
	for v := range layouts {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}
