// Package vm implements a minimal stack-based bytecode virtual machine.
//
// The machine operates on a stack of unsigned 64-bit values. Instruction
// operands address the stack by offset from the top: offset 0 is the top
// element, offset k resolves to absolute index len(stack)-1-k at the moment
// the instruction executes. Branch targets are absolute indexes into the
// instruction sequence.
//
// A program is an immutable, 0-indexed slice of Instructions. The Machine
// owns the program and its stack for the duration of one run and is
// discarded afterwards.
package vm

import "fmt"

// Opcode identifies an instruction's kind. It doubles as the tag byte in
// the binary program encoding.
type Opcode byte

// Opcode tag bytes. These values are part of the program file format and
// must not be reordered.
const (
	OpPush    Opcode = 0x00 // push immediate value
	OpOut     Opcode = 0x01 // write stack value as decimal line
	OpIn      Opcode = 0x02 // read decimal line, push value
	OpOutStr  Opcode = 0x03 // write string literal as line
	OpCopy    Opcode = 0x04 // duplicate stack value onto top
	OpAdd     Opcode = 0x05 // remove two stack values, push sum
	OpGt      Opcode = 0x06 // branch if greater-than
	OpEq      Opcode = 0x07 // branch if equal
	OpJmp     Opcode = 0x08 // unconditional branch
	OpDec     Opcode = 0x09 // decrement stack value in place
	OpInc     Opcode = 0x0A // increment stack value in place
	OpInByte  Opcode = 0x0B // read one raw byte, push value
	OpOutByte Opcode = 0x0C // write stack value as one raw byte
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name     string // human-readable name
	Operands int    // number of uint64 operands in the encoding
	HasText  bool   // carries a length-prefixed string instead of uint64 operands
}

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpPush:    {"PUSH", 1, false},
	OpOut:     {"OUT", 1, false},
	OpIn:      {"IN", 0, false},
	OpOutStr:  {"OUT_STR", 0, true},
	OpCopy:    {"COPY", 1, false},
	OpAdd:     {"ADD", 2, false},
	OpGt:      {"GT", 3, false},
	OpEq:      {"EQ", 3, false},
	OpJmp:     {"JMP", 1, false},
	OpDec:     {"DEC", 1, false},
	OpInc:     {"INC", 1, false},
	OpInByte:  {"IN_BYTE", 0, false},
	OpOutByte: {"OUT_BYTE", 1, false},
}

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op))}
}

// Valid returns true if the opcode is part of the instruction set.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Info().Name
}

// Instruction is one decoded bytecode instruction. It is a closed sum:
// exactly one struct type per opcode implements it, and the engine
// dispatches by exhaustive type switch. All implementations are comparable
// value types, so decoded instructions can be compared with ==.
type Instruction interface {
	// Opcode returns the instruction's tag byte.
	Opcode() Opcode

	// sealed prevents implementations outside this package.
	sealed()
}

// Push pushes an immediate value onto the stack.
type Push struct {
	Value uint64
}

// Out writes the decimal text form of the stack value at offset Src,
// followed by a newline. The stack is not mutated.
type Out struct {
	Src uint64
}

// In reads one line from input and pushes it as an unsigned decimal.
// End of input is a clean halt.
type In struct{}

// OutStr writes Text followed by a newline.
type OutStr struct {
	Text string
}

// Copy duplicates the stack value at offset Src and pushes the copy.
type Copy struct {
	Src uint64
}

// Add removes the stack values at offsets A and B and pushes their sum.
// Net stack length change is -1.
type Add struct {
	A, B uint64
}

// Gt branches to the absolute instruction index Target when the stack
// value at offset A is greater than the one at offset B.
type Gt struct {
	A, B   uint64
	Target uint64
}

// Eq branches to Target when the stack values at offsets A and B are equal.
type Eq struct {
	A, B   uint64
	Target uint64
}

// Jmp branches unconditionally to the absolute instruction index Target.
type Jmp struct {
	Target uint64
}

// Dec decrements the stack value at offset Src in place.
type Dec struct {
	Src uint64
}

// Inc increments the stack value at offset Src in place.
type Inc struct {
	Src uint64
}

// InByte reads exactly one raw byte from input and pushes its value.
// End of input is a clean halt.
type InByte struct{}

// OutByte writes the stack value at offset Src as a single raw byte.
// The value must fit in one byte.
type OutByte struct {
	Src uint64
}

func (Push) Opcode() Opcode    { return OpPush }
func (Out) Opcode() Opcode     { return OpOut }
func (In) Opcode() Opcode      { return OpIn }
func (OutStr) Opcode() Opcode  { return OpOutStr }
func (Copy) Opcode() Opcode    { return OpCopy }
func (Add) Opcode() Opcode     { return OpAdd }
func (Gt) Opcode() Opcode      { return OpGt }
func (Eq) Opcode() Opcode      { return OpEq }
func (Jmp) Opcode() Opcode     { return OpJmp }
func (Dec) Opcode() Opcode     { return OpDec }
func (Inc) Opcode() Opcode     { return OpInc }
func (InByte) Opcode() Opcode  { return OpInByte }
func (OutByte) Opcode() Opcode { return OpOutByte }

func (Push) sealed()    {}
func (Out) sealed()     {}
func (In) sealed()      {}
func (OutStr) sealed()  {}
func (Copy) sealed()    {}
func (Add) sealed()     {}
func (Gt) sealed()      {}
func (Eq) sealed()      {}
func (Jmp) sealed()     {}
func (Dec) sealed()     {}
func (Inc) sealed()     {}
func (InByte) sealed()  {}
func (OutByte) sealed() {}

func (i Push) String() string    { return fmt.Sprintf("PUSH %d", i.Value) }
func (i Out) String() string     { return fmt.Sprintf("OUT %d", i.Src) }
func (i In) String() string      { return "IN" }
func (i OutStr) String() string  { return fmt.Sprintf("OUT_STR %q", i.Text) }
func (i Copy) String() string    { return fmt.Sprintf("COPY %d", i.Src) }
func (i Add) String() string     { return fmt.Sprintf("ADD %d %d", i.A, i.B) }
func (i Gt) String() string      { return fmt.Sprintf("GT %d %d -> %d", i.A, i.B, i.Target) }
func (i Eq) String() string      { return fmt.Sprintf("EQ %d %d -> %d", i.A, i.B, i.Target) }
func (i Jmp) String() string     { return fmt.Sprintf("JMP -> %d", i.Target) }
func (i Dec) String() string     { return fmt.Sprintf("DEC %d", i.Src) }
func (i Inc) String() string     { return fmt.Sprintf("INC %d", i.Src) }
func (i InByte) String() string  { return "IN_BYTE" }
func (i OutByte) String() string { return fmt.Sprintf("OUT_BYTE %d", i.Src) }

// Disassemble renders a program one instruction per line, prefixed with
// the instruction index.
func Disassemble(program []Instruction) string {
	var out string
	for pc, ins := range program {
		if out != "" {
			out += "\n"
		}
		out += fmt.Sprintf("%04d  %v", pc, ins)
	}
	return out
}
