package main

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/felixge/memtraceutils/pkg/print"
)

// PrintCommand prints a canonical trace in human readable form. Gzipped
// traces are decompressed transparently.
func PrintCommand(args []string) error {
	// Check the number of arguments
	if len(args) != 1 {
		return fmt.Errorf("expected 1 argument, got %d", len(args))
	}

	// Open the input file
	inFile, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer inFile.Close()

	var r io.Reader = inFile
	if strings.HasSuffix(args[0], ".gz") {
		gz, err := gzip.NewReader(inFile)
		if err != nil {
			return err
		}
		defer gz.Close()
		r = gz
	}

	return print.Records(r, os.Stdout, print.DefaultFilter())
}
