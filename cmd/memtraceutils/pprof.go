package main

import (
	"fmt"
	"os"

	"github.com/felixge/memtraceutils/pkg/modules"
	pprofconv "github.com/felixge/memtraceutils/pkg/pprof"
)

// PprofCommand folds the instruction fetches of a canonical trace into a
// pprof profile.
func PprofCommand(args []string) error {
	// Check the number of arguments
	if len(args) != 3 {
		return fmt.Errorf("expected 3 arguments (trace, module map, output), got %d", len(args))
	}

	// Open the input file
	inFile, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer inFile.Close()

	// Load the module table for address attribution.
	modmap, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("failed to read module map: %w", err)
	}
	table, err := modules.Load(modmap, modules.Options{})
	if err != nil {
		return err
	}
	defer table.Close()

	// Open the output file
	outFile, err := os.Create(args[2])
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	defer outFile.Close()

	return pprofconv.Convert(inFile, table, outFile, pprofconv.Options{})
}
