package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/canonid/config"
	cierrors "github.com/otherjamesbrown/canonid/pkg/errors"
	"github.com/otherjamesbrown/canonid/pkg/identity"
)

// render writes v as JSON or YAML, or calls human for text output.
func (d *CommandDeps) render(v interface{}, human func(w io.Writer) error) error {
	switch d.Config.OutputFormat {
	case config.OutputFormatJSON:
		enc := json.NewEncoder(d.Out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case config.OutputFormatYAML:
		// JSON tags are the stable field names, so YAML goes through JSON.
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic interface{}
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(d.Out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	default:
		return human(d.Out)
	}
}

// actor returns who a mutation is attributed to.
func (d *CommandDeps) actor(flag string) string {
	if flag != "" {
		return flag
	}
	if d.Config.Actor != "" {
		return d.Config.Actor
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cli"
}

type align int

const (
	alignLeft align = iota
	alignRight
)

func renderTable(headers []string, rows [][]string, aligns []align) string {
	columns := len(headers)
	if columns == 0 {
		return ""
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)

	header := make(table.Row, columns)
	for i, h := range headers {
		header[i] = h
	}
	tw.AppendHeader(header)

	for _, row := range rows {
		r := make(table.Row, columns)
		for i := range r {
			if i < len(row) {
				r[i] = row[i]
			} else {
				r[i] = ""
			}
		}
		tw.AppendRow(r)
	}

	configs := make([]table.ColumnConfig, 0, columns)
	for i := 0; i < columns; i++ {
		a := text.AlignLeft
		if i < len(aligns) && aligns[i] == alignRight {
			a = text.AlignRight
		}
		configs = append(configs, table.ColumnConfig{Number: i + 1, Align: a, AlignHeader: text.AlignLeft})
	}
	tw.SetColumnConfigs(configs)

	return tw.Render()
}

func writeTable(w io.Writer, headers []string, rows [][]string, aligns []align) error {
	_, err := fmt.Fprintln(w, renderTable(headers, rows, aligns))
	return err
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q: %w", s, cierrors.ErrValidation)
	}
	return id, nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		for _, part := range strings.Split(a, ",") {
			if part == "" {
				continue
			}
			id, err := parseID(part)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// readRecords loads source records from a JSON or YAML file. YAML keys use
// the JSON field names.
func readRecords(path string) ([]identity.SourceRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading records: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var generic interface{}
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return nil, fmt.Errorf("parsing records: %w", err)
		}
		if data, err = json.Marshal(generic); err != nil {
			return nil, fmt.Errorf("parsing records: %w", err)
		}
	}
	var records []identity.SourceRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parsing records: %w", err)
	}
	return records, nil
}

// loadRecords reads a records file and puts records without a scope in the
// configured one.
func (d *CommandDeps) loadRecords(path string) ([]identity.SourceRecord, error) {
	records, err := readRecords(path)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].ScopeID == "" {
			records[i].ScopeID = d.Config.Scope
		}
	}
	return records, nil
}

func lifecycleLabel(l identity.Lifecycle) string {
	if into, retired := l.MergedInto(); retired {
		return fmt.Sprintf("retired -> %d", into)
	}
	return "active"
}

func formatConfidence(c float64) string {
	return strconv.FormatFloat(c, 'f', 3, 64)
}

func formatIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
