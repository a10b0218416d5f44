// Package elfsym resolves kernel global symbols against the firmware ELF
// image. The gdb stub side of the transport has no symbol knowledge, so the
// addresses of the kernel's internal structures come from here.
package elfsym

import (
	"debug/elf"
	"fmt"
	"sort"

	"github.com/derekparker/trie"
	"github.com/sirupsen/logrus"
	"github.com/trykernel/tkdbg/pkg/logflags"
)

// Symbol is one named address from the firmware image.
type Symbol struct {
	Name string
	Addr uint64
	Size uint64
}

// SymbolNotFoundError is returned when the image defines no symbol with
// the requested name.
type SymbolNotFoundError struct {
	Name string
}

func (err *SymbolNotFoundError) Error() string {
	return fmt.Sprintf("symbol %q not found in image", err.Name)
}

// Table holds the symbols of one firmware image. It implements
// target.SymbolTable. Addresses are link-time constants, the table is
// loaded once per session and read-only afterwards.
type Table struct {
	syms        []Symbol // sorted by address
	byName      map[string]Symbol
	completions *trie.Trie

	log *logrus.Entry
}

// Load reads the symbol table of the ELF image at path.
func Load(path string) (*Table, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open image %s: %v", path, err)
	}
	defer f.Close()

	elfsyms, err := f.Symbols()
	if err != nil {
		return nil, fmt.Errorf("image %s carries no symbol table: %v", path, err)
	}

	syms := make([]Symbol, 0, len(elfsyms))
	for _, s := range elfsyms {
		if s.Name == "" || elf.ST_BIND(s.Info) == elf.STB_LOCAL && elf.ST_TYPE(s.Info) == elf.STT_FILE {
			continue
		}
		addr := s.Value
		if f.Machine == elf.EM_ARM && elf.ST_TYPE(s.Info) == elf.STT_FUNC {
			// Thumb function addresses carry the mode bit.
			addr &^= 1
		}
		syms = append(syms, Symbol{Name: s.Name, Addr: addr, Size: s.Size})
	}

	return NewTable(syms), nil
}

// NewTable builds a Table from an already decoded symbol list.
func NewTable(syms []Symbol) *Table {
	t := &Table{
		byName:      make(map[string]Symbol, len(syms)),
		completions: trie.New(),
		log:         logflags.SymbolsLogger(),
	}
	t.syms = append(t.syms, syms...)
	sort.Slice(t.syms, func(i, j int) bool { return t.syms[i].Addr < t.syms[j].Addr })
	for _, s := range syms {
		t.byName[s.Name] = s
		t.completions.Add(s.Name, nil)
	}
	return t
}

// ResolveSymbol implements target.SymbolTable.
func (t *Table) ResolveSymbol(name string) (uint64, error) {
	s, ok := t.byName[name]
	if !ok {
		return 0, &SymbolNotFoundError{Name: name}
	}
	t.log.Debugf("%s = %#x", name, s.Addr)
	return s.Addr, nil
}

// nearestSlack limits how far past a sizeless symbol an address may fall
// and still be attributed to it.
const nearestSlack = 0x1000

// Nearest returns the symbol containing addr and the offset of addr into
// it. Used to annotate program counters in thread labels.
func (t *Table) Nearest(addr uint64) (Symbol, uint64, bool) {
	i := sort.Search(len(t.syms), func(i int) bool { return t.syms[i].Addr > addr })
	if i == 0 {
		return Symbol{}, 0, false
	}
	s := t.syms[i-1]
	off := addr - s.Addr
	if s.Size > 0 && off >= s.Size {
		return Symbol{}, 0, false
	}
	if s.Size == 0 && off >= nearestSlack {
		return Symbol{}, 0, false
	}
	return s, off, true
}

// Complete returns all symbol names starting with prefix, sorted.
func (t *Table) Complete(prefix string) []string {
	var names []string
	if prefix == "" {
		for name := range t.byName {
			names = append(names, name)
		}
	} else {
		names = t.completions.PrefixSearch(prefix)
	}
	sort.Strings(names)
	return names
}

// Describe formats addr as "symbol+0xNN" when it resolves, empty otherwise.
func (t *Table) Describe(addr uint64) string {
	s, off, ok := t.Nearest(addr)
	if !ok {
		return ""
	}
	if off == 0 {
		return s.Name
	}
	return fmt.Sprintf("%s+%#x", s.Name, off)
}
