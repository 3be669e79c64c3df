package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"

	"github.com/felixge/memtraceutils/pkg/modules"
)

// ModulesCommand renders the module table of a module map sidecar.
func ModulesCommand(args []string) error {
	// Check the number of arguments
	if len(args) != 1 {
		return fmt.Errorf("expected 1 argument, got %d", len(args))
	}

	modmap, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read module map: %w", err)
	}

	table, err := modules.Load(modmap, modules.Options{})
	if err != nil {
		return err
	}
	defer table.Close()

	// Build the table
	header := []string{"Index", "Contains", "Base", "Size", "External", "Decodable", "Path"}
	var rows [][]string
	for i, m := range table.Modules {
		rows = append(rows, []string{
			fmt.Sprintf("%d", i),
			fmt.Sprintf("%d", m.ContainingIdx),
			fmt.Sprintf("0x%x", m.OrigBase),
			fmt.Sprintf("%d", m.MapSize),
			fmt.Sprintf("%t", m.IsExternal),
			fmt.Sprintf("%t", m.Decodable()),
			m.Path,
		})
	}

	// Render the table
	tw := tablewriter.NewWriter(os.Stdout)
	tw.SetHeader(header)
	tw.AppendBulk(rows)
	tw.Render()
	return nil
}
