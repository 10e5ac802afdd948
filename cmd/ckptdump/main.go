package main

import (
	"fmt"
	"os"

	"github.com/AlessioBray/he-compliant-approximation/internal/checkpoint"
	"github.com/AlessioBray/he-compliant-approximation/internal/tensor"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <checkpoint>\n", os.Args[0])
		os.Exit(2)
	}
	path := os.Args[1]

	f, err := os.Open(path)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	tensors, err := checkpoint.Read(f)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Checkpoint: %s (%d tensors)\n\n", path, len(tensors))
	total := 0
	for _, nt := range tensors {
		s := tensor.ComputeStats(nt.Tensor.Data())
		fmt.Printf("%-18s %-14v n=%-8d mean=%+.6f rms=%.6f min=%+.6f max=%+.6f",
			nt.Name, nt.Tensor.Dims(), nt.Tensor.NumElements(), s.Mean, s.RMS, s.Min, s.Max)
		if s.NaNs > 0 || s.Infs > 0 {
			fmt.Printf("  [nans=%d infs=%d]", s.NaNs, s.Infs)
		}
		fmt.Println()
		total += nt.Tensor.NumElements()
	}
	fmt.Printf("\nTotal parameters: %d\n", total)
}
