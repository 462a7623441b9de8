package main

import (
	"fmt"
	"os"

	"github.com/bobuhiro11/govmm/flag"
)

func main() {
	if err := flag.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "govmm:", err)
		os.Exit(1)
	}
}
