package main

import (
	"flag"
	"fmt"
	"os"

	"surveydss/pii"
)

var (
	value = flag.String("value", "", "value to hash")
	ref   = flag.Bool("ref", false, "print the short log reference instead of the full hash")
)

// piihash matches values against the hashed references emitted in DSS
// logs, so operators can correlate without ever logging the value.
func main() {
	flag.Parse()
	if *value == "" {
		fmt.Fprintln(os.Stderr, "value is required")
		os.Exit(2)
	}
	if *ref {
		fmt.Println(pii.Ref(*value))
		return
	}
	fmt.Println(pii.Hash(*value))
}
