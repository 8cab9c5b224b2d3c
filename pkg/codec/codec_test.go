package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/fortiblox/stackvm/pkg/vm"
)

// allInstructions covers every opcode with representative operand values.
var allInstructions = []vm.Instruction{
	vm.Push{Value: 42},
	vm.Out{Src: 1},
	vm.In{},
	vm.OutStr{Text: "Hello, world!"},
	vm.Copy{Src: 5},
	vm.Add{A: 5, B: 7},
	vm.Gt{A: 3, B: 4, Target: 5},
	vm.Eq{A: 3, B: 4, Target: 5},
	vm.Jmp{Target: 6},
	vm.Dec{Src: 10},
	vm.Inc{Src: 15},
	vm.InByte{},
	vm.OutByte{Src: 10},
}

// TestRoundTrip encodes and decodes each instruction individually.
func TestRoundTrip(t *testing.T) {
	for _, ins := range allInstructions {
		t.Run(ins.Opcode().String(), func(t *testing.T) {
			var buf bytes.Buffer
			if err := EncodeInstruction(&buf, ins); err != nil {
				t.Fatalf("EncodeInstruction() failed: %v", err)
			}

			got, err := DecodeInstruction(&buf)
			if err != nil {
				t.Fatalf("DecodeInstruction() failed: %v", err)
			}
			if got != ins {
				t.Errorf("round trip = %v, want %v", got, ins)
			}
			if buf.Len() != 0 {
				t.Errorf("%d bytes left after decode, want 0", buf.Len())
			}
		})
	}
}

// TestRoundTripExtremes checks operand values at the edges of the
// 64-bit range and an empty string literal.
func TestRoundTripExtremes(t *testing.T) {
	extremes := []vm.Instruction{
		vm.Push{Value: 0},
		vm.Push{Value: ^uint64(0)},
		vm.Gt{A: 0, B: ^uint64(0), Target: 1<<63 - 1},
		vm.OutStr{Text: ""},
		vm.OutStr{Text: "héllo ☃"},
	}

	for _, ins := range extremes {
		var buf bytes.Buffer
		if err := EncodeInstruction(&buf, ins); err != nil {
			t.Fatalf("EncodeInstruction(%v) failed: %v", ins, err)
		}
		got, err := DecodeInstruction(&buf)
		if err != nil {
			t.Fatalf("DecodeInstruction(%v) failed: %v", ins, err)
		}
		if got != ins {
			t.Errorf("round trip = %v, want %v", got, ins)
		}
	}
}

// TestProgramRoundTrip encodes a whole program and decodes it back.
func TestProgramRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, allInstructions); err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}

	program, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if len(program) != len(allInstructions) {
		t.Fatalf("decoded %d instructions, want %d", len(program), len(allInstructions))
	}
	for i, ins := range program {
		if ins != allInstructions[i] {
			t.Errorf("instruction %d = %v, want %v", i, ins, allInstructions[i])
		}
	}
}

// TestRecordSizes checks the exact on-disk size of each record shape.
func TestRecordSizes(t *testing.T) {
	tests := []struct {
		ins  vm.Instruction
		want int
	}{
		{vm.Push{Value: 42}, 9},
		{vm.Out{Src: 0}, 9},
		{vm.In{}, 1},
		{vm.OutStr{Text: "hello"}, 9 + 5},
		{vm.OutStr{Text: ""}, 9},
		{vm.Copy{Src: 0}, 9},
		{vm.Add{A: 1, B: 0}, 17},
		{vm.Gt{A: 0, B: 1, Target: 2}, 25},
		{vm.Eq{A: 0, B: 1, Target: 2}, 25},
		{vm.Jmp{Target: 0}, 9},
		{vm.Dec{Src: 0}, 9},
		{vm.Inc{Src: 0}, 9},
		{vm.InByte{}, 1},
		{vm.OutByte{Src: 0}, 9},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		if err := EncodeInstruction(&buf, tt.ins); err != nil {
			t.Fatalf("EncodeInstruction(%v) failed: %v", tt.ins, err)
		}
		if buf.Len() != tt.want {
			t.Errorf("encode(%v) = %d bytes, want %d", tt.ins, buf.Len(), tt.want)
		}
	}
}

// TestRecordLayout pins the wire format: tag byte then little-endian
// operands.
func TestRecordLayout(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeInstruction(&buf, vm.Push{Value: 0x0102030405060708}); err != nil {
		t.Fatalf("EncodeInstruction() failed: %v", err)
	}

	want := []byte{0x00, 0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("record = %x, want %x", buf.Bytes(), want)
	}

	buf.Reset()
	if err := EncodeInstruction(&buf, vm.OutStr{Text: "ab"}); err != nil {
		t.Fatalf("EncodeInstruction() failed: %v", err)
	}
	want = []byte{0x03, 0x02, 0, 0, 0, 0, 0, 0, 0, 'a', 'b'}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Errorf("record = %x, want %x", buf.Bytes(), want)
	}
}

// TestDecodeEmpty: an empty stream is a clean end of program.
func TestDecodeEmpty(t *testing.T) {
	program, err := Decode(bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if len(program) != 0 {
		t.Errorf("decoded %d instructions, want 0", len(program))
	}
}

// TestDecodeUnknownOpcode: an unrecognized tag byte is a format error.
func TestDecodeUnknownOpcode(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte{0x0D}))
	if !errors.Is(err, ErrUnknownOpcode) {
		t.Errorf("Decode() = %v, want ErrUnknownOpcode", err)
	}
}

// TestDecodeTruncated: end of stream inside a record is distinct from a
// clean end at a tag-byte boundary.
func TestDecodeTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, []vm.Instruction{vm.Push{Value: 7}, vm.Gt{A: 1, B: 2, Target: 3}}); err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	full := buf.Bytes()

	// Every cut inside a record must fail with ErrTruncated; cuts at
	// record boundaries (0, 9, 34) decode cleanly.
	boundaries := map[int]bool{0: true, 9: true, len(full): true}
	for cut := 0; cut <= len(full); cut++ {
		_, err := Decode(bytes.NewReader(full[:cut]))
		if boundaries[cut] {
			if err != nil {
				t.Errorf("Decode(cut=%d) = %v, want clean end", cut, err)
			}
		} else if !errors.Is(err, ErrTruncated) {
			t.Errorf("Decode(cut=%d) = %v, want ErrTruncated", cut, err)
		}
	}
}

// TestDecodeTruncatedString: a string record cut inside its payload is
// truncated, not a short string.
func TestDecodeTruncatedString(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeInstruction(&buf, vm.OutStr{Text: "hello"}); err != nil {
		t.Fatalf("EncodeInstruction() failed: %v", err)
	}

	_, err := DecodeInstruction(bytes.NewReader(buf.Bytes()[:buf.Len()-2]))
	if !errors.Is(err, ErrTruncated) {
		t.Errorf("DecodeInstruction() = %v, want ErrTruncated", err)
	}
}

// TestDecodeInvalidUTF8 rejects string payloads that are not UTF-8.
func TestDecodeInvalidUTF8(t *testing.T) {
	record := []byte{byte(vm.OpOutStr)}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], 2)
	record = append(record, lenBuf[:]...)
	record = append(record, 0xFF, 0xFE)

	_, err := DecodeInstruction(bytes.NewReader(record))
	if !errors.Is(err, ErrInvalidString) {
		t.Errorf("DecodeInstruction() = %v, want ErrInvalidString", err)
	}
}

// TestDecodeStringLengthLimit rejects implausible string lengths before
// allocating.
func TestDecodeStringLengthLimit(t *testing.T) {
	record := []byte{byte(vm.OpOutStr)}
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], 1<<40)
	record = append(record, lenBuf[:]...)

	_, err := DecodeInstruction(bytes.NewReader(record))
	if !errors.Is(err, ErrInvalidString) {
		t.Errorf("DecodeInstruction() = %v, want ErrInvalidString", err)
	}
}

// TestDecodeInstructionEOF reports io.EOF only at the tag boundary.
func TestDecodeInstructionEOF(t *testing.T) {
	_, err := DecodeInstruction(bytes.NewReader(nil))
	if err != io.EOF {
		t.Errorf("DecodeInstruction() = %v, want io.EOF", err)
	}
}
