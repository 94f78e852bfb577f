// Package symbols reads symbol tables from object files, it backs the
// default address-resolution collaborator of the hook engine.
package symbols

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

type objFile interface {
	Symbols() (map[string]uintptr, error)
}

var objTypes = []func(io.ReaderAt) (objFile, error){
	openElf,
	openMacho,
	openPE,
}

// Read opens the object file at path and returns a map from symbol name
// to symbol value. ELF, Mach-O and PE files are recognized.
func Read(path string) (map[string]uintptr, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open object file")
	}
	defer func() { _ = f.Close() }()
	for _, open := range objTypes {
		obj, err := open(f)
		if err != nil {
			continue
		}
		syms, err := obj.Symbols()
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read symbols from %s", path)
		}
		return syms, nil
	}
	return nil, errors.Errorf("open %s: unrecognized object file", path)
}
