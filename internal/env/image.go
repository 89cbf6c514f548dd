package env

import (
	"bytes"
	"debug/elf"

	"github.com/zijeric/EricOS/internal/defs"
	"github.com/zijeric/EricOS/internal/mem"
	"github.com/zijeric/EricOS/internal/trap"
	"github.com/zijeric/EricOS/internal/vm"
)

// Create implements the rest of spec.md 4.4's create(image_bytes, type):
// Alloc a descriptor, then parse image as a standard 64-bit executable
// (the same debug/elf package biscuit's own chentry command uses to
// rewrite a kernel image's entry point) and, for every loadable segment,
// allocate zeroed pages to cover it, copy the file bytes in, and zero the
// rest. One user stack page is allocated at the fixed top of user stack.
// type = FS additionally sets the I/O-privilege bits in the saved flags.
func Create(alloc *mem.Allocator, bootRoot defs.PA, table *Table, image []byte, typ Type, parentID int32) (*Env, defs.Err) {
	e, errc := table.Alloc(alloc, bootRoot, parentID)
	if errc != 0 {
		return nil, errc
	}
	e.Type = typ

	f, err := elf.NewFile(bytes.NewReader(image))
	if err != nil {
		table.Free(alloc, e)
		return nil, defs.ErrNotExec
	}
	if f.Class != elf.ELFCLASS64 || f.Machine != elf.EM_X86_64 || f.Type != elf.ET_EXEC {
		table.Free(alloc, e)
		return nil, defs.ErrNotExec
	}

	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		if errc := loadSegment(alloc, e.AddrSpace, p, image); errc != 0 {
			table.Free(alloc, e)
			return nil, errc
		}
	}

	e.SavedFrame.RIP = f.Entry
	e.SavedFrame.RFlags = trap.RFlagsIF
	if typ == TypeFS {
		e.SavedFrame.RFlags |= trap.RFlagsIOPL3
	}

	if errc := allocUserStack(alloc, e.AddrSpace); errc != 0 {
		table.Free(alloc, e)
		return nil, errc
	}

	return e, 0
}

func loadSegment(alloc *mem.Allocator, root defs.PA, p *elf.Prog, image []byte) defs.Err {
	start := defs.VA(p.Vaddr).PageBase()
	end := defs.VA(p.Vaddr + p.Memsz)

	fileOff := p.Off
	fileEnd := p.Off + p.Filesz
	segVA := defs.VA(p.Vaddr)

	for va := start; va < end; va += defs.PageSize {
		pa, ok := alloc.Alloc(true)
		if !ok {
			return defs.ErrNoMem
		}
		if errc := vm.Map(alloc, root, va, pa, defs.PteW|defs.PteU); errc != 0 {
			return errc
		}

		pageStart := uint64(va)
		pageEnd := pageStart + defs.PageSize
		segStart := uint64(segVA)
		segEndFile := segStart + p.Filesz

		copyLo := max64(pageStart, segStart)
		copyHi := min64(pageEnd, segEndFile)
		if copyHi > copyLo {
			srcOff := fileOff + (copyLo - segStart)
			srcEnd := fileOff + (copyHi - segStart)
			if srcEnd > fileEnd || srcEnd > uint64(len(image)) {
				return defs.ErrNotExec
			}
			dst := alloc.Bytes(pa)[copyLo-pageStart : copyHi-pageStart]
			copy(dst, image[srcOff:srcEnd])
		}
	}
	return 0
}

func allocUserStack(alloc *mem.Allocator, root defs.PA) defs.Err {
	pa, ok := alloc.Alloc(true)
	if !ok {
		return defs.ErrNoMem
	}
	va := defs.VA(defs.USTackTop - defs.PageSize)
	return vm.Map(alloc, root, va, pa, defs.PteW|defs.PteU)
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

