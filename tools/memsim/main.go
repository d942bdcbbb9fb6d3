package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	tty "github.com/mattn/go-tty"

	"kitsuneos/kernel/kfmt"
	"kitsuneos/kernel/mm/pmm"
	"kitsuneos/kernel/mm/vmm"
)

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[memsim] error: %s\n", err.Error())
	os.Exit(1)
}

// printSummary reports the state of the memory core after boot.
func printSummary(w io.Writer, m *machine) {
	total, used := pmm.Stats()
	fmt.Fprintf(w, "frames: %d total, %d used, %d free\n", total, used, total-used)
	fmt.Fprintf(w, "address space: %s, %d pages mapped, %d TLB flushes\n", vmm.CurrentStage(), vmm.ActiveAddressSpace().MappedPages(), m.tlbFlushes)
}

// runConsole reads commands from the controlling terminal until the user
// quits or the terminal is closed.
func runConsole(m *machine) error {
	t, err := tty.Open()
	if err != nil {
		return err
	}
	defer t.Close()

	out := t.Output()
	defer kfmt.SetOutputSink(kfmt.GetOutputSink())
	kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: out, Prefix: []byte("[kernel] ")})

	s := newSession(m, out)
	fmt.Fprint(out, "type help for a list of commands\n")
	for {
		fmt.Fprint(out, "memsim> ")
		line, err := t.ReadString()
		if err != nil {
			return err
		}
		fmt.Fprintln(out)

		switch err = s.exec(line); {
		case err == errQuit:
			return nil
		case err != nil:
			fmt.Fprintf(out, "error: %s\n", err.Error())
		}
	}
}

func runTool() error {
	ramMb := flag.Int("ram", 64, "the amount of simulated RAM in megabytes")
	seed := flag.Int64("seed", 1, "the seed used to generate the firmware memory map")
	interactive := flag.Bool("i", false, "start an interactive console after boot")
	pngPath := flag.String("png", "", "write a rendering of the frame bitmap to this file")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, "memsim: boot the kernel memory core against a simulated machine\n\n")
		fmt.Fprint(os.Stderr, "Usage: memsim [options]\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 0 {
		return errors.New("unexpected arguments; memsim only accepts options")
	}

	kfmt.SetOutputSink(&kfmt.PrefixWriter{Sink: os.Stdout, Prefix: []byte("[kernel] ")})

	m, err := newMachine(*ramMb, *seed)
	if err != nil {
		return err
	}

	if err = m.boot(); err != nil {
		return err
	}
	printSummary(os.Stdout, m)

	if *pngPath != "" {
		if err = newSession(m, os.Stdout).writePNG(*pngPath); err != nil {
			return err
		}
	}

	if *interactive {
		return runConsole(m)
	}

	return nil
}

func main() {
	if err := runTool(); err != nil {
		exit(err)
	}
}
