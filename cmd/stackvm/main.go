// stackvm: runner for stack bytecode VM programs.
//
// This is the main entry point for stackvm. It decodes flat binary program
// files and executes them against the process's standard input and output,
// and manages a local content-addressed program library so programs can be
// executed by name.
package main

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/fortiblox/stackvm/internal/types"
	"github.com/fortiblox/stackvm/pkg/codec"
	"github.com/fortiblox/stackvm/pkg/store"
	"github.com/fortiblox/stackvm/pkg/vm"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags
var (
	storeDir    = flag.String("store-dir", "", "Program library directory (default $HOME/.stackvm)")
	noCompress  = flag.Bool("no-compress", false, "Store program blobs uncompressed")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [flags] <command> [args]

Commands:
  run <file>          Decode a program file and run it against stdin/stdout
  exec <name>         Run a program from the library by name
  add <name> <file>   Add a program file to the library
  list                List library programs
  del <name>          Remove a program from the library
  id <file>           Print the content ID of a program file
  disasm <file>       Print a program's instructions

Flags:
`, os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("stackvm %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	// Setup logging
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	switch args[0] {
	case "run":
		requireArgs(args, 2)
		cmdRun(args[1])
	case "exec":
		requireArgs(args, 2)
		cmdExec(args[1])
	case "add":
		requireArgs(args, 3)
		cmdAdd(args[1], args[2])
	case "list":
		cmdList()
	case "del":
		requireArgs(args, 2)
		cmdDel(args[1])
	case "id":
		requireArgs(args, 2)
		cmdID(args[1])
	case "disasm":
		requireArgs(args, 2)
		cmdDisasm(args[1])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		usage()
		os.Exit(1)
	}
}

func requireArgs(args []string, n int) {
	if len(args) != n {
		usage()
		os.Exit(1)
	}
}

// loadProgram decodes a program file. Decoding failures abort before any
// instruction executes.
func loadProgram(path string) []vm.Instruction {
	file, err := os.Open(path)
	if err != nil {
		log.Fatalf("Failed to open program file: %v", err)
	}
	defer file.Close()

	program, err := codec.Decode(bufio.NewReader(file))
	if err != nil {
		log.Fatalf("Failed to decode %s: %v", path, err)
	}
	return program
}

func runProgram(program []vm.Instruction) {
	machine := vm.NewMachine(program)
	if err := machine.Run(os.Stdin, os.Stdout); err != nil {
		log.Fatalf("Execution failed at pc %d: %v", machine.PC(), err)
	}
}

func cmdRun(path string) {
	runProgram(loadProgram(path))
}

func cmdExec(name string) {
	s := openStore()
	defer s.Close()

	entry, err := s.Resolve(name)
	if err != nil {
		log.Fatalf("Failed to resolve program: %v", err)
	}
	raw, err := s.Get(entry.ID)
	if err != nil {
		log.Fatalf("Failed to load program %s: %v", entry.ID, err)
	}
	program, err := codec.Decode(bytes.NewReader(raw))
	if err != nil {
		log.Fatalf("Failed to decode stored program %s: %v", entry.ID, err)
	}
	runProgram(program)
}

func cmdAdd(name, path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Failed to read program file: %v", err)
	}

	s := openStore()
	defer s.Close()

	id, entry, err := s.Put(name, raw)
	if err != nil {
		log.Fatalf("Failed to add program: %v", err)
	}
	log.Printf("Added %q: id=%s size=%d instructions=%d", name, id, entry.Size, entry.Instructions)
}

func cmdList() {
	s := openStore()
	defer s.Close()

	entries, err := s.List()
	if err != nil {
		log.Fatalf("Failed to list programs: %v", err)
	}
	if len(entries) == 0 {
		fmt.Println("library is empty")
		return
	}
	for _, entry := range entries {
		fmt.Printf("%-24s %s  %6d bytes  %4d instructions\n",
			entry.Name, entry.ID, entry.Size, entry.Instructions)
	}
}

func cmdDel(name string) {
	s := openStore()
	defer s.Close()

	if err := s.Delete(name); err != nil {
		log.Fatalf("Failed to delete program: %v", err)
	}
	log.Printf("Deleted %q", name)
}

func cmdID(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("Failed to read program file: %v", err)
	}
	fmt.Println(types.ProgramIDForBytes(raw))
}

func cmdDisasm(path string) {
	fmt.Println(vm.Disassemble(loadProgram(path)))
}

func openStore() *store.Store {
	dir := *storeDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("Failed to resolve home directory: %v", err)
		}
		dir = filepath.Join(home, ".stackvm")
	}

	cfg := store.DefaultConfig(dir)
	cfg.Compress = !*noCompress

	s, err := store.Open(cfg)
	if err != nil {
		log.Fatalf("Failed to open program library: %v", err)
	}
	return s
}
