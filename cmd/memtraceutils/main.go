package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/pprof"
	"runtime/trace"

	"github.com/peterbourgon/ff/v3"
)

// main is the entry point for the memtraceutils command line tool.
func main() {
	if err := realMain(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// realMain is a helper function for main that returns an error.
func realMain() error {
	fs := flag.NewFlagSet("memtraceutils", flag.ContinueOnError)
	var (
		indirF      = fs.String("indir", "", "directory holding the raw/ thread logs and module map")
		outF        = fs.String("out", "", "output trace file (default: <indir>/drmemtrace.trace)")
		verboseF    = fs.Int("v", 0, "verbosity level for annotated conversion tracing")
		cpuProfileF = fs.String("cpuprofile", "", "write cpu profile to file")
		traceF      = fs.String("trace", "", "write trace to file")
	)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: memtraceutils [flags] <command> [args]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  - convert: Converts raw thread logs into a canonical trace. Requires -indir.\n")
		fmt.Fprintf(os.Stderr, "  - print: Prints a canonical trace in human readable form.\n")
		fmt.Fprintf(os.Stderr, "  - modules: Prints the module table of a module map.\n")
		fmt.Fprintf(os.Stderr, "  - breakdown: Aggregates a canonical trace by record type (count, size or csv).\n")
		fmt.Fprintf(os.Stderr, "  - pprof: Folds instruction fetches into a pprof profile.\n\n")
		fs.PrintDefaults()
	}

	// Parse the command line arguments, also accepting MEMTRACEUTILS_*
	// environment variables.
	if err := ff.Parse(fs, os.Args[1:], ff.WithEnvVarPrefix("MEMTRACEUTILS")); err != nil {
		return err
	}

	if *cpuProfileF != "" {
		file, err := os.Create(*cpuProfileF)
		if err != nil {
			return err
		}
		defer file.Close()

		if err := pprof.StartCPUProfile(file); err != nil {
			return err
		}
		defer pprof.StopCPUProfile()
	}

	if *traceF != "" {
		file, err := os.Create(*traceF)
		if err != nil {
			return err
		}
		defer file.Close()

		if err := trace.Start(file); err != nil {
			return err
		}
		defer trace.Stop()
	}

	switch cmd := fs.Arg(0); cmd {
	case "convert":
		return ConvertCommand(*indirF, *outF, *verboseF)
	case "print":
		return PrintCommand(fs.Args()[1:])
	case "modules":
		return ModulesCommand(fs.Args()[1:])
	case "breakdown":
		rest := fs.Args()[1:]
		if len(rest) == 0 {
			return fmt.Errorf("breakdown requires a flavor (count, size or csv)")
		}
		return BreakdownCommand(BreakdownFlavor(rest[0]), rest[1:])
	case "pprof":
		return PprofCommand(fs.Args()[1:])
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}
