// genprog writes an example stackvm program file.
//
// The program is a byte-for-byte echo loop: read one byte from input,
// write it to output, jump back to the start. It demonstrates the exact
// tag/operand record scheme any external tool must produce to author
// program files.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/fortiblox/stackvm/pkg/codec"
	"github.com/fortiblox/stackvm/pkg/vm"
)

func main() {
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Usage: %s <filename>\n", os.Args[0])
		os.Exit(1)
	}
	filename := flag.Arg(0)

	program := []vm.Instruction{
		vm.InByte{},
		vm.OutByte{Src: 0},
		vm.Jmp{Target: 0},
	}

	file, err := os.Create(filename)
	if err != nil {
		log.Fatalf("Failed to create %s: %v", filename, err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	if err := codec.Encode(w, program); err != nil {
		log.Fatalf("Failed to encode program: %v", err)
	}
	if err := w.Flush(); err != nil {
		log.Fatalf("Failed to write %s: %v", filename, err)
	}

	log.Printf("Wrote %d instructions to %s", len(program), filename)
}
