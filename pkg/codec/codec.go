// Package codec implements the flat binary encoding for stackvm programs.
//
// A program file is the concatenation of instruction records with no
// header, magic number, or version field. Each record is one tag byte
// followed by a payload fixed by the opcode: zero to three little-endian
// unsigned 8-byte integers, or (for OUT_STR) an 8-byte little-endian
// length followed by that many raw UTF-8 bytes.
//
// Decoding succeeds only when the stream is exhausted exactly at a
// tag-byte boundary; end of stream inside a record is reported as
// ErrTruncated, distinct from a clean end of program.
package codec

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/fortiblox/stackvm/pkg/vm"
)

// maxStringLen bounds OUT_STR literals so a corrupt length field cannot
// drive allocation. 16 MiB is far beyond any real program text.
const maxStringLen = 16 << 20

// Errors. All of them indicate a malformed program; loading fails before
// any instruction executes.
var (
	// ErrUnknownOpcode is returned when a tag byte is not part of the
	// instruction set.
	ErrUnknownOpcode = errors.New("unknown opcode")

	// ErrTruncated is returned when the stream ends inside a record.
	ErrTruncated = errors.New("truncated instruction record")

	// ErrInvalidString is returned when a string literal is not valid
	// UTF-8 or its length field is implausible.
	ErrInvalidString = errors.New("invalid string literal")
)

// EncodeInstruction writes one instruction record to w.
func EncodeInstruction(w io.Writer, ins vm.Instruction) error {
	var buf [25]byte // tag + up to three operands
	buf[0] = byte(ins.Opcode())

	switch ins := ins.(type) {
	case vm.Push:
		binary.LittleEndian.PutUint64(buf[1:], ins.Value)
		return writeAll(w, buf[:9])
	case vm.Out:
		binary.LittleEndian.PutUint64(buf[1:], ins.Src)
		return writeAll(w, buf[:9])
	case vm.In:
		return writeAll(w, buf[:1])
	case vm.OutStr:
		binary.LittleEndian.PutUint64(buf[1:], uint64(len(ins.Text)))
		if err := writeAll(w, buf[:9]); err != nil {
			return err
		}
		return writeAll(w, []byte(ins.Text))
	case vm.Copy:
		binary.LittleEndian.PutUint64(buf[1:], ins.Src)
		return writeAll(w, buf[:9])
	case vm.Add:
		binary.LittleEndian.PutUint64(buf[1:], ins.A)
		binary.LittleEndian.PutUint64(buf[9:], ins.B)
		return writeAll(w, buf[:17])
	case vm.Gt:
		binary.LittleEndian.PutUint64(buf[1:], ins.A)
		binary.LittleEndian.PutUint64(buf[9:], ins.B)
		binary.LittleEndian.PutUint64(buf[17:], ins.Target)
		return writeAll(w, buf[:25])
	case vm.Eq:
		binary.LittleEndian.PutUint64(buf[1:], ins.A)
		binary.LittleEndian.PutUint64(buf[9:], ins.B)
		binary.LittleEndian.PutUint64(buf[17:], ins.Target)
		return writeAll(w, buf[:25])
	case vm.Jmp:
		binary.LittleEndian.PutUint64(buf[1:], ins.Target)
		return writeAll(w, buf[:9])
	case vm.Dec:
		binary.LittleEndian.PutUint64(buf[1:], ins.Src)
		return writeAll(w, buf[:9])
	case vm.Inc:
		binary.LittleEndian.PutUint64(buf[1:], ins.Src)
		return writeAll(w, buf[:9])
	case vm.InByte:
		return writeAll(w, buf[:1])
	case vm.OutByte:
		binary.LittleEndian.PutUint64(buf[1:], ins.Src)
		return writeAll(w, buf[:9])
	default:
		return fmt.Errorf("%w: %T", ErrUnknownOpcode, ins)
	}
}

// Encode writes a program to w as the concatenation of its instruction
// records, in order.
func Encode(w io.Writer, program []vm.Instruction) error {
	for pc, ins := range program {
		if err := EncodeInstruction(w, ins); err != nil {
			return fmt.Errorf("encode instruction %d: %w", pc, err)
		}
	}
	return nil
}

// DecodeInstruction reads one instruction record from r. It returns io.EOF
// when the stream is already exhausted at the tag-byte boundary, and
// ErrTruncated when it ends anywhere inside the record.
func DecodeInstruction(r io.Reader) (vm.Instruction, error) {
	var tag [1]byte
	if _, err := io.ReadFull(r, tag[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read tag: %w", err)
	}

	op := vm.Opcode(tag[0])
	switch op {
	case vm.OpPush:
		v, err := readOperands(r, 1)
		if err != nil {
			return nil, err
		}
		return vm.Push{Value: v[0]}, nil
	case vm.OpOut:
		v, err := readOperands(r, 1)
		if err != nil {
			return nil, err
		}
		return vm.Out{Src: v[0]}, nil
	case vm.OpIn:
		return vm.In{}, nil
	case vm.OpOutStr:
		text, err := readString(r)
		if err != nil {
			return nil, err
		}
		return vm.OutStr{Text: text}, nil
	case vm.OpCopy:
		v, err := readOperands(r, 1)
		if err != nil {
			return nil, err
		}
		return vm.Copy{Src: v[0]}, nil
	case vm.OpAdd:
		v, err := readOperands(r, 2)
		if err != nil {
			return nil, err
		}
		return vm.Add{A: v[0], B: v[1]}, nil
	case vm.OpGt:
		v, err := readOperands(r, 3)
		if err != nil {
			return nil, err
		}
		return vm.Gt{A: v[0], B: v[1], Target: v[2]}, nil
	case vm.OpEq:
		v, err := readOperands(r, 3)
		if err != nil {
			return nil, err
		}
		return vm.Eq{A: v[0], B: v[1], Target: v[2]}, nil
	case vm.OpJmp:
		v, err := readOperands(r, 1)
		if err != nil {
			return nil, err
		}
		return vm.Jmp{Target: v[0]}, nil
	case vm.OpDec:
		v, err := readOperands(r, 1)
		if err != nil {
			return nil, err
		}
		return vm.Dec{Src: v[0]}, nil
	case vm.OpInc:
		v, err := readOperands(r, 1)
		if err != nil {
			return nil, err
		}
		return vm.Inc{Src: v[0]}, nil
	case vm.OpInByte:
		return vm.InByte{}, nil
	case vm.OpOutByte:
		v, err := readOperands(r, 1)
		if err != nil {
			return nil, err
		}
		return vm.OutByte{Src: v[0]}, nil
	default:
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnknownOpcode, tag[0])
	}
}

// Decode reads a complete program from r: records are decoded until the
// stream is exhausted exactly at a tag-byte boundary.
func Decode(r io.Reader) ([]vm.Instruction, error) {
	if _, ok := r.(io.ByteReader); !ok {
		r = bufio.NewReader(r)
	}

	var program []vm.Instruction
	for {
		ins, err := DecodeInstruction(r)
		if err == io.EOF {
			return program, nil
		}
		if err != nil {
			return nil, fmt.Errorf("decode instruction %d: %w", len(program), err)
		}
		program = append(program, ins)
	}
}

func writeAll(w io.Writer, p []byte) error {
	if _, err := w.Write(p); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// readOperands reads n little-endian uint64 operands.
func readOperands(r io.Reader, n int) ([3]uint64, error) {
	var out [3]uint64
	var buf [8]byte
	for i := 0; i < n; i++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return out, ErrTruncated
			}
			return out, fmt.Errorf("read operand: %w", err)
		}
		out[i] = binary.LittleEndian.Uint64(buf[:])
	}
	return out, nil
}

// readString reads an 8-byte little-endian length followed by that many
// raw UTF-8 bytes.
func readString(r io.Reader) (string, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return "", ErrTruncated
		}
		return "", fmt.Errorf("read string length: %w", err)
	}

	length := binary.LittleEndian.Uint64(buf[:])
	if length > maxStringLen {
		return "", fmt.Errorf("%w: length %d exceeds limit", ErrInvalidString, length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return "", ErrTruncated
		}
		return "", fmt.Errorf("read string data: %w", err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidString)
	}
	return string(data), nil
}
