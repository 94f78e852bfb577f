package symbols

import (
	"debug/pe"
	"io"
)

type peFile struct {
	pe *pe.File
}

func openPE(r io.ReaderAt) (objFile, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &peFile{pe: f}, nil
}

func (f *peFile) Symbols() (map[string]uintptr, error) {
	syms := f.pe.Symbols
	m := make(map[string]uintptr, len(syms))
	for i := 0; i < len(syms); i++ {
		m[syms[i].Name] = uintptr(syms[i].Value)
	}
	return m, nil
}
