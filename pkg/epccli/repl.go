// Package epccli provides an interactive dot-command shell over a
// pkg/epc.Manager, adapted from pkg/cli's TurDB REPL: the same
// bufio-scanner-plus-dot-command dispatch loop, driving enclave page
// cache operations instead of SQL statements.
package epccli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"epc/pkg/alloc"
	"epc/pkg/epc"
	"epc/pkg/owner"
)

// REPL drives an interactive epcctl session against one Manager.
type REPL struct {
	mgr    *epc.Manager
	input  *bufio.Scanner
	output io.Writer
	errOut io.Writer

	running       bool
	exitRequested bool

	// pages holds every fake enclave this session has created, keyed
	// by the small integer handle printed back to the user (there is
	// no enclave-lifecycle module in this package to own them instead).
	// Allocated pages themselves are not tracked.
	pages    map[int]*trackedPage
	nextPage int
}

type trackedPage struct {
	encl *owner.FakeEnclave
}

// NewREPL creates a REPL reading dot-commands from input.
func NewREPL(mgr *epc.Manager, input io.Reader, output, errOutput io.Writer) *REPL {
	if errOutput == nil {
		errOutput = output
	}
	return &REPL{
		mgr:    mgr,
		input:  bufio.NewScanner(input),
		output: output,
		errOut: errOutput,
		pages:  make(map[int]*trackedPage),
	}
}

const prompt = "epc> "

// Run reads and dispatches dot-commands until EOF or .exit.
func (r *REPL) Run() {
	r.running = true
	r.exitRequested = false
	fmt.Fprintln(r.output, `Enter ".help" for usage hints.`)

	for r.running && !r.exitRequested {
		fmt.Fprint(r.output, prompt)
		if !r.input.Scan() {
			return
		}
		line := strings.TrimSpace(r.input.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ".") {
			r.handleCommand(line)
			continue
		}
		fmt.Fprintln(r.errOut, `unrecognized input; commands start with "."`)
	}
}

func (r *REPL) handleCommand(line string) {
	fields := strings.Fields(line)
	cmd := fields[0]
	args := fields[1:]

	switch cmd {
	case ".exit", ".quit":
		r.exitRequested = true
	case ".help":
		r.printHelp()
	case ".stat":
		fmt.Fprintf(r.output, "free pages: %d\n", r.mgr.FreePages())
	case ".enclave":
		r.cmdEnclave(args)
	case ".alloc":
		r.cmdAlloc(args)
	case ".free":
		r.cmdFree(args)
	case ".reclaim":
		r.cmdReclaim(args)
	case ".kill":
		r.cmdKill()
	default:
		fmt.Fprintf(r.errOut, "unknown command %q; use \".help\"\n", cmd)
	}
}

func (r *REPL) cmdEnclave(args []string) {
	id := uint64(len(r.pages) + 1)
	encl := owner.NewFakeEnclave(id, id*0x100000)
	h := r.nextPage
	r.nextPage++
	r.pages[h] = &trackedPage{encl: encl}
	fmt.Fprintf(r.output, "enclave %d created, handle %d\n", id, h)
}

func (r *REPL) cmdAlloc(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(r.errOut, "usage: .alloc <enclave-handle>")
		return
	}
	h, err := strconv.Atoi(args[0])
	if err != nil {
		fmt.Fprintln(r.errOut, "invalid handle:", err)
		return
	}
	tp, ok := r.pages[h]
	if !ok {
		fmt.Fprintln(r.errOut, "no such enclave handle")
		return
	}

	page, err := r.mgr.Alloc(context.Background(), alloc.Request{
		Owner:      &owner.EnclaveOwner{Encl: tp.encl},
		Flag:       0, // unreclaimable until the caller marks it reclaimable
		MayReclaim: true,
	})
	if err != nil {
		fmt.Fprintln(r.errOut, "alloc failed:", err)
		return
	}
	fmt.Fprintf(r.output, "allocated page at phys addr 0x%x (section %d)\n", page.PhysAddr, page.SectionIdx)
}

func (r *REPL) cmdFree(args []string) {
	fmt.Fprintln(r.errOut, ".free requires a page reference from your own session tooling; not exposed over epcctl")
}

func (r *REPL) cmdReclaim(args []string) {
	n := 1
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Fprintln(r.errOut, "invalid count:", err)
			return
		}
		n = v
	}
	got, err := r.mgr.Reclaim(context.Background(), n)
	if err != nil {
		fmt.Fprintln(r.errOut, "reclaim failed:", err)
		return
	}
	fmt.Fprintf(r.output, "reclaimed %d pages\n", got)
}

func (r *REPL) cmdKill() {
	n, err := r.mgr.KillVictim(context.Background())
	if err != nil {
		fmt.Fprintln(r.errOut, "kill failed:", err)
		return
	}
	if n == 0 {
		fmt.Fprintln(r.output, "no killable victim")
		return
	}
	fmt.Fprintf(r.output, "killed enclave, reclaimed %d pages\n", n)
}

func (r *REPL) printHelp() {
	fmt.Fprint(r.output, `
.exit              Exit this program
.help              Show this help message
.stat              Show free page count
.enclave           Create a fake enclave owner, print its handle
.alloc <handle>    Allocate one EPC page owned by the given enclave handle
.reclaim [n]       Run one foreground reclaim pass for up to n pages (default 1)
.kill              Select and kill one OOM victim enclave
`)
}
