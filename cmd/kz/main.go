// kz is the kernelize command line: it assembles host images, translates
// their kernel methods to CUDA or OpenCL modules and inspects the result.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kz: %v\n", err)
		os.Exit(1)
	}
}
