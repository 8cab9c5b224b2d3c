package vm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Errors.
var (
	// ErrBounds is returned when an offset operand does not resolve to a
	// valid stack index at the moment of use.
	ErrBounds = errors.New("stack offset out of bounds")

	// ErrParse is returned when an IN instruction reads a line that is not
	// a valid unsigned decimal integer.
	ErrParse = errors.New("invalid integer input")

	// ErrArithmetic is returned for value-range violations: OUT_BYTE on a
	// value wider than one byte, DEC at zero, INC at the maximum value.
	ErrArithmetic = errors.New("arithmetic range violation")
)

// Machine executes one program against one pair of input/output streams.
// It owns its program and stack exclusively for the duration of a run;
// no state outlives the run.
type Machine struct {
	code  []Instruction
	stack []uint64
	pc    uint64
}

// NewMachine creates a machine for the given program with an empty stack
// and the program counter at 0. The program must not be mutated while the
// machine runs.
func NewMachine(program []Instruction) *Machine {
	return &Machine{
		code:  program,
		stack: make([]uint64, 0, 16),
	}
}

// PC returns the current program counter.
func (m *Machine) PC() uint64 {
	return m.pc
}

// Stack returns a copy of the current stack, bottom first.
func (m *Machine) Stack() []uint64 {
	out := make([]uint64, len(m.stack))
	copy(out, m.stack)
	return out
}

// resolve converts an offset-from-top operand to an absolute stack index.
func (m *Machine) resolve(offset uint64) (int, error) {
	if offset >= uint64(len(m.stack)) {
		return 0, fmt.Errorf("%w: offset %d, stack depth %d", ErrBounds, offset, len(m.stack))
	}
	return len(m.stack) - 1 - int(offset), nil
}

// remove deletes the stack element at absolute index idx, shifting the
// elements above it down by one.
func (m *Machine) remove(idx int) {
	m.stack = append(m.stack[:idx], m.stack[idx+1:]...)
}

// Run executes the program until it halts. Input is wrapped in a single
// buffered reader shared by line reads (IN) and raw byte reads (IN_BYTE),
// so no bytes are lost or duplicated between the two access patterns.
//
// Run returns nil on a clean halt: the program counter running past the
// end of the program, or end of input reached by IN or IN_BYTE. Any other
// failure aborts the run immediately; the machine state is not meaningful
// afterwards.
func (m *Machine) Run(input io.Reader, output io.Writer) error {
	in, ok := input.(*bufio.Reader)
	if !ok {
		in = bufio.NewReader(input)
	}

	for m.pc < uint64(len(m.code)) {
		ins := m.code[m.pc]

		// Branch cases set pc to their absolute target and continue,
		// replacing the default increment for that step.
		switch ins := ins.(type) {
		case Push:
			m.stack = append(m.stack, ins.Value)

		case Out:
			idx, err := m.resolve(ins.Src)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(output, "%d\n", m.stack[idx]); err != nil {
				return fmt.Errorf("write output: %w", err)
			}

		case In:
			value, err := readLineValue(in)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			m.stack = append(m.stack, value)

		case OutStr:
			if _, err := fmt.Fprintf(output, "%s\n", ins.Text); err != nil {
				return fmt.Errorf("write output: %w", err)
			}

		case Copy:
			idx, err := m.resolve(ins.Src)
			if err != nil {
				return err
			}
			m.stack = append(m.stack, m.stack[idx])

		case Add:
			// Capture both values before splicing; the second removal
			// index shifts down by one when it sits above the first.
			ia, err := m.resolve(ins.A)
			if err != nil {
				return err
			}
			ib, err := m.resolve(ins.B)
			if err != nil {
				return err
			}
			sum := m.stack[ia] + m.stack[ib]
			m.remove(ia)
			if ib > ia {
				ib--
			}
			if ib >= len(m.stack) {
				return fmt.Errorf("%w: ADD operands resolve to a single stack slot", ErrBounds)
			}
			m.remove(ib)
			m.stack = append(m.stack, sum)

		case Gt:
			ia, err := m.resolve(ins.A)
			if err != nil {
				return err
			}
			ib, err := m.resolve(ins.B)
			if err != nil {
				return err
			}
			if m.stack[ia] > m.stack[ib] {
				m.pc = ins.Target
				continue
			}

		case Eq:
			ia, err := m.resolve(ins.A)
			if err != nil {
				return err
			}
			ib, err := m.resolve(ins.B)
			if err != nil {
				return err
			}
			if m.stack[ia] == m.stack[ib] {
				m.pc = ins.Target
				continue
			}

		case Jmp:
			m.pc = ins.Target
			continue

		case Dec:
			idx, err := m.resolve(ins.Src)
			if err != nil {
				return err
			}
			if m.stack[idx] == 0 {
				return fmt.Errorf("%w: DEC at zero", ErrArithmetic)
			}
			m.stack[idx]--

		case Inc:
			idx, err := m.resolve(ins.Src)
			if err != nil {
				return err
			}
			if m.stack[idx] == math.MaxUint64 {
				return fmt.Errorf("%w: INC at maximum value", ErrArithmetic)
			}
			m.stack[idx]++

		case InByte:
			b, err := in.ReadByte()
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			m.stack = append(m.stack, uint64(b))

		case OutByte:
			idx, err := m.resolve(ins.Src)
			if err != nil {
				return err
			}
			value := m.stack[idx]
			if value > 0xFF {
				return fmt.Errorf("%w: OUT_BYTE value %d exceeds one byte", ErrArithmetic, value)
			}
			if _, err := output.Write([]byte{byte(value)}); err != nil {
				return fmt.Errorf("write output: %w", err)
			}

		default:
			return fmt.Errorf("unhandled instruction %v at pc %d", ins, m.pc)
		}

		m.pc++
	}

	return nil
}

// readLineValue reads one line from in and parses it as an unsigned
// decimal. It returns io.EOF only when the input is exhausted before any
// byte of a line was read; a final line without a trailing newline still
// counts as a line.
func readLineValue(in *bufio.Reader) (uint64, error) {
	line, err := in.ReadString('\n')
	if err == io.EOF {
		if line == "" {
			return 0, io.EOF
		}
	} else if err != nil {
		return 0, fmt.Errorf("read input: %w", err)
	}

	line = strings.TrimRight(line, "\r\n")
	value, err := strconv.ParseUint(line, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrParse, line)
	}
	return value, nil
}
