// Package report renders simulation results as tables, JSON or YAML.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"

	"github.com/miretskiy/flashsim/simulator"
)

// Format represents the output format type.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// ParseFormat parses a string into a Format, returning an error if invalid.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "table", "":
		return FormatTable, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("invalid output format: %q (valid: table, json, yaml)", s)
	}
}

// Result is everything printed at the end of a run
type Result struct {
	RunID   string              `json:"runId" yaml:"runId"`
	Config  simulator.SimConfig `json:"config" yaml:"config"`
	Metrics *simulator.Metrics  `json:"metrics" yaml:"metrics"`
}

// Write renders r in the given format
func Write(w io.Writer, format Format, r *Result) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	case FormatTable:
		return writeTables(w, r)
	default:
		return fmt.Errorf("unknown format: %s", format)
	}
}

func writeTables(w io.Writer, r *Result) error {
	m := r.Metrics
	summary := [][2]string{
		{"run", r.RunID},
		{"policy", m.Policy},
		{"blocks", strconv.Itoa(m.NumBlocks)},
		{"pages per block", strconv.Itoa(m.PagesPerBlock)},
		{"logical pages", strconv.Itoa(m.LogicalPages)},
		{"fill factor", ftoa(m.FillFactor)},
		{"host writes", strconv.FormatUint(m.HostWrites, 10)},
		{"physical writes", strconv.FormatUint(m.PhysicalWrites, 10)},
		{"write amplification", ftoa(m.WriteAmplification)},
		{"last epoch WA", ftoa(m.EpochWriteAmplification)},
		{"greedy approx WA", ftoa(m.GreedyApproxWA)},
		{"gc runs", strconv.FormatUint(m.GCRuns, 10)},
		{"gc normal / cold", fmt.Sprintf("%d / %d", m.GCedNormal, m.GCedCold)},
		{"written by gc", ftoa(m.WrittenByGCPercent) + "%"},
		{"erase count min/mean/max", fmt.Sprintf("%d / %s / %d", m.MinEraseCount, ftoa(m.MeanEraseCount), m.MaxEraseCount)},
	}
	if ps := m.LastPolicyStats; ps.OptimalWA > 0 {
		summary = append(summary, [2]string{"optimal WA", ftoa(ps.OptimalWA)})
	}
	if m.Faulted {
		summary = append(summary, [2]string{"fault", m.Fault})
	}
	keyValueTable(w, summary)

	if len(m.Generations) > 0 {
		fmt.Fprintln(w)
		t := newTable(w, "generation", "blocks %", "avg fill %", "min fill %")
		for _, g := range m.Generations {
			if g.BlockPercent == 0 {
				continue
			}
			minFill := "-"
			if g.MinFillPercent >= 0 {
				minFill = ftoa(g.MinFillPercent)
			}
			t.Append([]string{strconv.Itoa(g.Generation), ftoa(g.BlockPercent), ftoa(g.AvgFillPercent), minFill})
		}
		t.Render()
	}

	if groups := m.LastPolicyStats.Groups; len(groups) > 0 {
		fmt.Fprintln(w)
		t := newTable(w, "group", "writes %", "compactions %", "WA", "blocks", "valid %", "target fill %", "target WA")
		for _, g := range groups {
			t.Append([]string{
				strconv.Itoa(g.Group),
				ftoa(g.WritePercent),
				ftoa(g.CompactionPercent),
				ftoa(g.WA),
				strconv.Itoa(g.Blocks),
				ftoa(g.ValidPercent),
				ftoa(g.TargetFillPercent),
				ftoa(g.TargetWA),
			})
		}
		t.Render()
	}
	return nil
}

func newTable(w io.Writer, headers ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetHeader(headers)
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(true)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetCenterSeparator("")
	t.SetColumnSeparator("")
	t.SetRowSeparator("")
	t.SetHeaderLine(false)
	t.SetBorder(false)
	t.SetTablePadding("  ")
	t.SetNoWhiteSpace(true)
	return t
}

func keyValueTable(w io.Writer, pairs [][2]string) {
	t := tablewriter.NewWriter(w)
	t.SetAutoWrapText(false)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetCenterSeparator("")
	t.SetColumnSeparator(":")
	t.SetRowSeparator("")
	t.SetHeaderLine(false)
	t.SetBorder(false)
	t.SetTablePadding("  ")
	t.SetNoWhiteSpace(true)
	for _, p := range pairs {
		t.Append([]string{p[0], p[1]})
	}
	t.Render()
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
