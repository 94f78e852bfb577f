package symbols

import (
	"debug/elf"
	"io"
)

type elfFile struct {
	elf *elf.File
}

func openElf(r io.ReaderAt) (objFile, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &elfFile{elf: f}, nil
}

func (f *elfFile) Symbols() (map[string]uintptr, error) {
	syms, err := f.elf.Symbols()
	if err != nil {
		return nil, err
	}
	m := make(map[string]uintptr, len(syms))
	for i := 0; i < len(syms); i++ {
		m[syms[i].Name] = uintptr(syms[i].Value)
	}
	return m, nil
}
