package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/felixge/memtraceutils/pkg/convert"
)

// ConvertCommand converts the raw thread logs under <indir>/raw/ into a
// canonical trace.
func ConvertCommand(indir, out string, verbosity int) error {
	if indir == "" {
		return fmt.Errorf("convert requires -indir")
	}
	rawDir := filepath.Join(indir, "raw")

	// Enumerate the per-thread logs.
	logs, err := filepath.Glob(filepath.Join(rawDir, "*.raw"))
	if err != nil {
		return err
	}
	if len(logs) == 0 {
		return fmt.Errorf("no thread log files found in %s", rawDir)
	}
	sort.Strings(logs)

	// Read the module map sidecar.
	modmap, err := os.ReadFile(filepath.Join(rawDir, "modules.log"))
	if err != nil {
		return fmt.Errorf("failed to read module map: %w", err)
	}

	// Open the thread log files.
	var threadFiles []io.Reader
	for _, path := range logs {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open thread log: %w", err)
		}
		defer f.Close()
		threadFiles = append(threadFiles, f)
	}

	// Open the output file.
	if out == "" {
		out = filepath.Join(indir, "drmemtrace.trace")
	}
	outFile, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	defer outFile.Close()

	c, err := convert.New(convert.Config{
		ModuleMap:   modmap,
		ThreadFiles: threadFiles,
		Out:         outFile,
		Log:         logrus.StandardLogger(),
		Verbosity:   verbosity,
	})
	if err != nil {
		return err
	}
	return c.Convert()
}
