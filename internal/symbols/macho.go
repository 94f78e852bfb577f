package symbols

import (
	"debug/macho"
	"io"
)

type machoFile struct {
	macho *macho.File
}

func openMacho(r io.ReaderAt) (objFile, error) {
	f, err := macho.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &machoFile{macho: f}, nil
}

func (f *machoFile) Symbols() (map[string]uintptr, error) {
	if f.macho.Symtab == nil {
		return nil, nil
	}
	syms := f.macho.Symtab.Syms
	m := make(map[string]uintptr, len(syms))
	for i := 0; i < len(syms); i++ {
		m[syms[i].Name] = uintptr(syms[i].Value)
	}
	return m, nil
}
