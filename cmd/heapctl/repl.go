// Licensed under the MIT License. See LICENSE file in the project root for details.

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kianostad/rheap"
)

const replHelp = `Commands:
  alloc [n]               Allocate n regions (default 1)
  free <index>...         Release allocated regions
  free all                Release every allocated region
  softmax <size>          Set the soft max heap size (e.g. 64MiB)
  gc                      Request an explicit GC shrink
  stats                   Show heap accounting
  regions                 Print the region map as CSV
  metrics                 Print controller metrics as JSON
  export <file> [format]  Write the region map to a file (csv or json)
  help                    Show this help
  quit, exit              Exit the REPL`

func replCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Interactive session over a heap",
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := flags.openHeap()
			if err != nil {
				return err
			}

			// Set up signal handling
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigChan
				fmt.Println("\nReceived shutdown signal. Closing heap...")
				closeHeap(h)
				os.Exit(0)
			}()

			NewREPL(h, cmd.OutOrStdout()).Run(os.Stdin)
			closeHeap(h)
			return nil
		},
	}
}

func closeHeap(h rheap.Heap) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.Close(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "close: %v\n", err)
	}
}

// REPL is an interactive session over one heap.
type REPL struct {
	heap      rheap.Heap
	out       io.Writer
	allocated map[int]*rheap.Region
}

func NewREPL(h rheap.Heap, out io.Writer) *REPL {
	return &REPL{
		heap:      h,
		out:       out,
		allocated: make(map[int]*rheap.Region),
	}
}

func (r *REPL) Run(in io.Reader) {
	fmt.Fprintln(r.out, "Region Heap REPL")
	fmt.Fprintln(r.out, "Type 'help' for commands")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, "> ")
		if !scanner.Scan() {
			break
		}

		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		if !r.Exec(context.Background(), parts[0], parts[1:]) {
			return
		}
	}
}

// Exec runs one command. It returns false when the session should end.
func (r *REPL) Exec(ctx context.Context, cmd string, args []string) bool {
	switch cmd {
	case "alloc":
		n := 1
		if len(args) == 1 {
			v, err := strconv.Atoi(args[0])
			if err != nil || v <= 0 {
				fmt.Fprintln(r.out, "Usage: alloc [n]")
				return true
			}
			n = v
		}
		for i := 0; i < n; i++ {
			region, err := r.heap.Allocate(ctx)
			if err != nil {
				fmt.Fprintf(r.out, "Error: %v\n", err)
				break
			}
			r.allocated[region.Index()] = region
			fmt.Fprintf(r.out, "Allocated region %d\n", region.Index())
		}

	case "free":
		if len(args) == 0 {
			fmt.Fprintln(r.out, "Usage: free <index>... | free all")
			return true
		}
		if args[0] == "all" {
			args = args[:0]
			for idx := range r.allocated {
				args = append(args, strconv.Itoa(idx))
			}
		}
		for _, arg := range args {
			idx, err := strconv.Atoi(arg)
			region, ok := r.allocated[idx]
			if err != nil || !ok {
				fmt.Fprintf(r.out, "Region %s is not allocated\n", arg)
				continue
			}
			if err := r.heap.Release(ctx, region); err != nil {
				fmt.Fprintf(r.out, "Error: %v\n", err)
				continue
			}
			delete(r.allocated, idx)
			fmt.Fprintf(r.out, "Released region %d\n", idx)
		}

	case "softmax":
		if len(args) != 1 {
			fmt.Fprintln(r.out, "Usage: softmax <size>")
			return true
		}
		size, err := humanize.ParseBytes(args[0])
		if err != nil {
			fmt.Fprintf(r.out, "Error: %v\n", err)
			return true
		}
		if r.heap.SetSoftMaxHeapSize(ctx, size) {
			fmt.Fprintf(r.out, "Soft max set to %s\n", humanize.IBytes(r.heap.Stats(ctx).SoftMaxCapacity))
		} else {
			fmt.Fprintln(r.out, "Soft max unchanged")
		}

	case "gc":
		r.heap.RequestExplicitGC(ctx)
		fmt.Fprintln(r.out, "Explicit GC requested")

	case "stats":
		s := r.heap.Stats(ctx)
		fmt.Fprintf(r.out, "Committed: %s  Used: %s\n", humanize.IBytes(s.Committed), humanize.IBytes(s.Used))
		fmt.Fprintf(r.out, "Min: %s  Soft max: %s  Max: %s\n",
			humanize.IBytes(s.MinCapacity), humanize.IBytes(s.SoftMaxCapacity), humanize.IBytes(s.MaxCapacity))
		fmt.Fprintf(r.out, "Regions: %d regular, %d empty-committed, %d empty-uncommitted\n",
			s.Regular, s.EmptyCommitted, s.EmptyUncommitted)
		if s.UncommitFailures > 0 {
			fmt.Fprintf(r.out, "Uncommit failures: %d\n", s.UncommitFailures)
		}

	case "regions":
		if err := r.heap.WriteRegions(ctx, r.out, rheap.FormatCSV); err != nil {
			fmt.Fprintf(r.out, "Error: %v\n", err)
		}

	case "metrics":
		m := r.heap.GetMetrics(ctx)
		fmt.Fprintf(r.out, "Passes: %d (%d urgent)  Regions uncommitted: %d (%s)\n",
			m.Uncommit.Passes, m.Uncommit.UrgentPasses, m.Uncommit.Regions, humanize.IBytes(m.Uncommit.Bytes))
		fmt.Fprintf(r.out, "Pass latency: mean %v  p99 %v\n", m.PassLatency.Mean, m.PassLatency.P99)

	case "export":
		if len(args) < 1 || len(args) > 2 {
			fmt.Fprintln(r.out, "Usage: export <file> [csv|json]")
			return true
		}
		format := rheap.FormatCSV
		if len(args) == 2 {
			format = args[1]
		}
		if err := r.heap.ExportRegions(ctx, args[0], format); err != nil {
			fmt.Fprintf(r.out, "Error: %v\n", err)
			return true
		}
		fmt.Fprintf(r.out, "Exported region map to %s\n", args[0])

	case "help":
		fmt.Fprintln(r.out, replHelp)

	case "quit", "exit":
		fmt.Fprintln(r.out, "Goodbye!")
		return false

	default:
		fmt.Fprintf(r.out, "Unknown command: %s\n", cmd)
	}
	return true
}
