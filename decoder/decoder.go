// Package decoder classifies and relocates machine code so a hook can
// move the first instructions of a function without breaking their
// relative addressing. The disassembly backend never crosses the public
// boundary, callers only see instruction lengths, categories and
// addresses.
package decoder

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/pkg/errors"
	"golang.org/x/arch/x86/x86asm"

	"github.com/hookdyn/hookdyn/internal/memory"
)

// Kind is a relocation-relevant instruction category. Instructions
// outside these categories can be copied verbatim when moved.
type Kind uint8

// about instruction kinds
const (
	// KindCall marks calls with a relative displacement.
	KindCall Kind = iota + 1
	// KindBranch marks conditional jumps, loop control and relative
	// unconditional jumps, all with the same displacement problem.
	KindBranch
	// KindRIPRelative marks instructions whose memory operand is an
	// offset from the next instruction address.
	KindRIPRelative
)

// String is used to convert a kind to a readable string.
func (k Kind) String() string {
	switch k {
	case KindCall:
		return "call"
	case KindBranch:
		return "branch"
	case KindRIPRelative:
		return "rip-relative"
	default:
		return "plain"
	}
}

// about decoder errors
var (
	// ErrDisplacementRange means a relative target cannot be
	// represented at the new location and no fallback encoding exists.
	ErrDisplacementRange = errors.New("relative target not representable at new location")
	// ErrNotRelocatable means the displacement field of an instruction
	// could not be located unambiguously in its encoding.
	ErrNotRelocatable = errors.New("cannot locate displacement in instruction encoding")
	// ErrUnsafeRelocation means restricted relocation refused an
	// instruction whose rewrite cannot be proven safe.
	ErrUnsafeRelocation = errors.New("instruction rewrite not provably safe")
)

// Decoder disassembles byte ranges instruction by instruction. The zero
// value is not usable, construct with New.
type Decoder struct {
	// decode mode of the backend, 64-bit only
	mode int
}

// New is used to create a decoder for 64-bit code.
func New() *Decoder {
	return &Decoder{mode: 64}
}

// instruction is the decoded view the engine works with: length,
// relocation category, the absolute address the instruction references
// and where its displacement field lives inside the encoding.
type instruction struct {
	length  int
	kind    Kind // zero for plain instructions
	target  uintptr
	dispOff int // -1 when the displacement could not be located
	dispLen int
}

// decodeOne decodes a single instruction at pc. The backend inst type
// stays private to this function and classify.
func (d *Decoder) decodeOne(code []byte, pc uintptr) (instruction, error) {
	inst, err := x86asm.Decode(code, d.mode)
	if err != nil {
		return instruction{}, errors.Wrap(err, "failed to decode instruction")
	}
	if inst.Opcode == 0 && inst.Len == 1 && inst.Prefix[0] == x86asm.Prefix(code[0]) {
		return instruction{}, errors.New("invalid instruction")
	}
	return d.classify(inst, code[:inst.Len], pc), nil
}

func (d *Decoder) classify(inst x86asm.Inst, encoding []byte, pc uintptr) instruction {
	ins := instruction{length: inst.Len, dispOff: -1}
	// relative call/branch operands carry their displacement location,
	// a set PCRel alone is not enough as the backend fills it for
	// RIP-relative memory operands too
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		r, ok := a.(x86asm.Rel)
		if !ok {
			continue
		}
		if inst.Op == x86asm.CALL {
			ins.kind = KindCall
		} else {
			ins.kind = KindBranch
		}
		ins.dispOff = inst.PCRelOff
		ins.dispLen = inst.PCRel
		ins.target = uintptr(int64(pc) + int64(inst.Len) + int64(r))
		return ins
	}
	// memory operands addressed relative to the next instruction
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		mem, ok := a.(x86asm.Mem)
		if !ok || mem.Base != x86asm.RIP {
			continue
		}
		ins.kind = KindRIPRelative
		ins.dispLen = 4
		ins.dispOff = locateDisp32(encoding, int32(mem.Disp))
		ins.target = uintptr(int64(pc) + int64(inst.Len) + mem.Disp)
		break
	}
	return ins
}

// locateDisp32 finds the little-endian 32-bit displacement inside an
// instruction encoding. An immediate that repeats the displacement value
// makes the location ambiguous, which is reported as -1 and treated as
// un-relocatable rather than guessed.
func locateDisp32(encoding []byte, disp int32) int {
	found := -1
	for off := 1; off+4 <= len(encoding); off++ {
		if int32(binary.LittleEndian.Uint32(encoding[off:])) != disp {
			continue
		}
		if found >= 0 {
			return -1
		}
		found = off
	}
	return found
}

// Relocate produces a copy of code that behaves equivalently when
// executed from dst instead of src. Call, branch and RIP-relative
// displacements are recomputed so they still resolve to the original
// absolute addresses; everything else is copied verbatim. A branch
// target inside the moved range itself is remapped into the copy, or
// refused when restricted is set, since only rewrites that preserve an
// absolute outside target are provably safe. Zero-length input yields
// an empty result.
func (d *Decoder) Relocate(code []byte, src, dst uintptr, restricted bool) ([]byte, error) {
	if len(code) == 0 {
		return []byte{}, nil
	}
	out := make([]byte, len(code))
	copy(out, code)
	for off := 0; off < len(code); {
		ins, err := d.decodeOne(code[off:], src+uintptr(off))
		if err != nil {
			return nil, err
		}
		if off+ins.length > len(code) {
			// straddles the end of the range, not fully contained
			break
		}
		if ins.kind != 0 {
			if err := d.rewrite(out, off, ins, src, dst, len(code), restricted); err != nil {
				return nil, errors.Wrapf(err, "instruction at %#x", src+uintptr(off))
			}
		}
		off += ins.length
	}
	return out, nil
}

func (d *Decoder) rewrite(out []byte, off int, ins instruction, src, dst uintptr, length int, restricted bool) error {
	if ins.dispOff < 0 {
		return ErrNotRelocatable
	}
	target := ins.target
	if target >= src && target < src+uintptr(length) {
		if restricted {
			return ErrUnsafeRelocation
		}
		target = dst + (target - src)
	}
	disp := int64(target) - int64(dst) - int64(off) - int64(ins.length)
	switch ins.dispLen {
	case 1:
		if disp < math.MinInt8 || disp > math.MaxInt8 {
			return ErrDisplacementRange
		}
		out[off+ins.dispOff] = byte(int8(disp))
	case 4:
		if disp < math.MinInt32 || disp > math.MaxInt32 {
			return ErrDisplacementRange
		}
		binary.LittleEndian.PutUint32(out[off+ins.dispOff:], uint32(int32(disp)))
	default:
		return errors.Errorf("unsupported displacement width %d", ins.dispLen)
	}
	return nil
}

// LengthOfInstructions returns the minimal number of whole-instruction
// bytes at the start of code that is >= min. An instruction that starts
// inside the window but extends past it is included whole, instructions
// are never split. A min of zero or less yields zero.
func (d *Decoder) LengthOfInstructions(code []byte, min int) (int, error) {
	if min <= 0 {
		return 0, nil
	}
	total := 0
	for total < min {
		if total >= len(code) {
			return 0, errors.Errorf("need %d instruction bytes, range has %d", min, len(code))
		}
		ins, err := d.decodeOne(code[total:], 0)
		if err != nil {
			return 0, err
		}
		total += ins.length
	}
	return total, nil
}

// FindRelativeInstructions returns the addresses of all instructions of
// the requested category inside code, assuming code starts at base.
// The result is ordered by address and finite.
func (d *Decoder) FindRelativeInstructions(code []byte, base uintptr, kind Kind) ([]uintptr, error) {
	var addrs []uintptr
	for off := 0; off < len(code); {
		ins, err := d.decodeOne(code[off:], base+uintptr(off))
		if err != nil {
			return nil, err
		}
		if ins.kind == kind {
			addrs = append(addrs, base+uintptr(off))
		}
		off += ins.length
	}
	return addrs, nil
}

// RIPAccessBounds computes the lowest and highest absolute address
// referenced by any RIP-relative operand in code. found is false when
// the range contains none.
func (d *Decoder) RIPAccessBounds(code []byte, base uintptr) (low, high uintptr, found bool, err error) {
	for off := 0; off < len(code); {
		ins, err := d.decodeOne(code[off:], base+uintptr(off))
		if err != nil {
			return 0, 0, false, err
		}
		if ins.kind == KindRIPRelative {
			if !found || ins.target < low {
				low = ins.target
			}
			if !found || ins.target > high {
				high = ins.target
			}
			found = true
		}
		off += ins.length
	}
	return low, high, found, nil
}

// PrintInstructions writes a human-readable disassembly of code to w,
// one line per instruction.
func (d *Decoder) PrintInstructions(w io.Writer, code []byte, base uintptr) error {
	for off := 0; off < len(code); {
		inst, err := x86asm.Decode(code[off:], d.mode)
		if err != nil {
			return errors.Wrapf(err, "failed to decode instruction at %#x", base+uintptr(off))
		}
		_, err = fmt.Fprintf(w, "%#x:\t% x\t%s\n", base+uintptr(off),
			code[off:off+inst.Len], x86asm.GNUSyntax(inst, uint64(base)+uint64(off), nil))
		if err != nil {
			return err
		}
		off += inst.Len
	}
	return nil
}

// RelocateAt is Relocate reading length bytes of process memory at src.
func (d *Decoder) RelocateAt(src uintptr, length int, dst uintptr, restricted bool) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	return d.Relocate(memory.ReadBytes(src, length), src, dst, restricted)
}

// LengthOfInstructionsAt is LengthOfInstructions reading process memory
// at addr. The scan window is min plus the longest x86 instruction, a
// trailing instruction may extend that far past min.
func (d *Decoder) LengthOfInstructionsAt(addr uintptr, min int) (int, error) {
	if min <= 0 {
		return 0, nil
	}
	const maxInstructionLen = 15
	return d.LengthOfInstructions(memory.ReadBytes(addr, min+maxInstructionLen), min)
}

// FindRelativeInstructionsAt is FindRelativeInstructions over length
// bytes of process memory at addr.
func (d *Decoder) FindRelativeInstructionsAt(addr uintptr, kind Kind, length int) ([]uintptr, error) {
	return d.FindRelativeInstructions(memory.ReadBytes(addr, length), addr, kind)
}

// RIPAccessBoundsAt is RIPAccessBounds over length bytes of process
// memory at addr.
func (d *Decoder) RIPAccessBoundsAt(addr uintptr, length int) (low, high uintptr, found bool, err error) {
	return d.RIPAccessBounds(memory.ReadBytes(addr, length), addr)
}

// PrintInstructionsAt is PrintInstructions over length bytes of process
// memory at addr.
func (d *Decoder) PrintInstructionsAt(w io.Writer, addr uintptr, length int) error {
	return d.PrintInstructions(w, memory.ReadBytes(addr, length), addr)
}
