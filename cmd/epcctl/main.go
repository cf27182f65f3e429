// cmd/epcctl/main.go
//
// epcctl - Interactive shell over a simulated enclave page cache.
//
// Usage:
//
//	epcctl [section-pages...]
//
// Each argument is the page count of one simulated EPC section; with
// no arguments, epcctl opens a single 256-page section.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"epc/pkg/epc"
	"epc/pkg/epccli"
	"epc/pkg/hw"
)

func main() {
	layout := []epc.SectionLayout{{BaseAddr: 0x1000000, NPages: 256}}
	if len(os.Args) > 1 {
		layout = layout[:0]
		base := uint64(0x1000000)
		for _, arg := range os.Args[1:] {
			n, err := strconv.Atoi(arg)
			if err != nil || n <= 0 {
				fmt.Fprintf(os.Stderr, "invalid section page count %q\n", arg)
				os.Exit(1)
			}
			layout = append(layout, epc.SectionLayout{BaseAddr: base, NPages: n})
			base += uint64(n) * 0x1000
		}
	}

	sim := hw.NewSim()
	mgr, err := epc.Open(context.Background(), epc.Options{
		Sections: layout,
		HW:       sim,
		IPI:      sim,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening enclave page cache: %v\n", err)
		os.Exit(1)
	}
	defer mgr.Close()

	repl := epccli.NewREPL(mgr, os.Stdin, os.Stdout, os.Stderr)
	repl.Run()
}
