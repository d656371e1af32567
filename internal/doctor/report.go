package doctor

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
)

// CheckStatus is the outcome of one check.
type CheckStatus string

const (
	OK   CheckStatus = "OK"
	WARN CheckStatus = "WARN"
	FAIL CheckStatus = "FAIL"
	SKIP CheckStatus = "SKIP"
)

// Layer names what a check exercised.
type Layer string

const (
	L3      Layer = "L3-Network"
	L4      Layer = "L4-TCP"
	L7      Layer = "L7-Kafka"
	Storage Layer = "Storage"
)

// Row is a single check result.
type Row struct {
	Component string      `json:"component"`
	Target    string      `json:"target"`
	Layer     Layer       `json:"layer"`
	Status    CheckStatus `json:"status"`
	Detail    string      `json:"detail"`
	Hint      string      `json:"hint,omitempty"`
}

// CheckStats counts results per layer.
type CheckStats struct {
	OK   int `json:"ok"`
	WARN int `json:"warn"`
	FAIL int `json:"fail"`
	SKIP int `json:"skip"`
}

// Report collects all check results.
type Report struct {
	Rows       []Row                 `json:"rows"`
	Summary    map[string]CheckStats `json:"summary"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	HasFailed  bool                  `json:"-"`
}

func (r *Report) add(row Row) {
	if row.Status == FAIL {
		r.HasFailed = true
	}
	r.Rows = append(r.Rows, row)
}

func (r *Report) summarize() {
	r.Summary = map[string]CheckStats{}
	for _, row := range r.Rows {
		cs := r.Summary[string(row.Layer)]
		switch row.Status {
		case OK:
			cs.OK++
		case WARN:
			cs.WARN++
		case FAIL:
			cs.FAIL++
		case SKIP:
			cs.SKIP++
		}
		r.Summary[string(row.Layer)] = cs
	}
}

// Print writes a table of the report to w.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "\nSwarm Health Report  (%s -> %s)\n",
		r.StartedAt.Format(time.RFC3339), r.FinishedAt.Format(time.RFC3339))
	fmt.Fprintln(w, strings.Repeat("-", 92))
	fmt.Fprintf(w, "%-6s %-10s %-34s %-12s %s\n", "", "Component", "Target", "Layer", "Detail")
	fmt.Fprintln(w, strings.Repeat("-", 92))
	for _, row := range r.Rows {
		fmt.Fprintf(w, "%-6s %-10s %-34s %-12s %s\n",
			statusLabel(row.Status), row.Component, truncate(row.Target, 34), row.Layer, row.Detail)
		if row.Hint != "" {
			fmt.Fprintf(w, "%-6s %s\n", "", color.YellowString("hint: "+row.Hint))
		}
	}
	fmt.Fprintln(w, strings.Repeat("-", 92))
	for _, layer := range []Layer{L3, L4, L7, Storage} {
		cs, ok := r.Summary[string(layer)]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%-12s ok=%d warn=%d fail=%d skip=%d\n", layer, cs.OK, cs.WARN, cs.FAIL, cs.SKIP)
	}
}

func statusLabel(s CheckStatus) string {
	switch s {
	case OK:
		return color.GreenString("%-6s", s)
	case WARN:
		return color.YellowString("%-6s", s)
	case FAIL:
		return color.RedString("%-6s", s)
	default:
		return fmt.Sprintf("%-6s", s)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
