package norm

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/table"
)

// PrintSchematic renders the metadata of every model parsed so far to
// stdout, one table per model. Intended for debugging model registration and
// tag parsing.
func PrintSchematic() {
	FprintSchematic(os.Stdout)
}

// FprintSchematic renders the parsed model metadata to w.
func FprintSchematic(w io.Writer) {
	cacheMu.RLock()
	infos := make([]*ModelInfo, 0, len(modelCache))
	for _, info := range modelCache {
		infos = append(infos, info)
	}
	cacheMu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].TableName < infos[j].TableName
	})

	for _, info := range infos {
		fmt.Fprintf(w, "%s => %s\n", info.Type.Name(), info.TableName)

		tw := table.NewWriter()
		tw.AppendHeader(table.Row{"Column", "Field", "Type", "Primary"})

		cols := make([]string, 0, len(info.Columns))
		for col := range info.Columns {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		for _, col := range cols {
			f := info.Columns[col]
			tw.AppendRow(table.Row{f.Column, f.Name, f.FieldType.String(), f.IsPrimary})
		}
		fmt.Fprintln(w, tw.Render())

		if info.SoftDeleteColumn != "" {
			fmt.Fprintf(w, "soft delete: %s\n", info.SoftDeleteColumn)
		}
		if len(info.Touches) > 0 {
			fmt.Fprintf(w, "touches: %v\n", info.Touches)
		}
		fmt.Fprintln(w)
	}
}
