// Package report renders a fleet run's outcomes for the operator.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rileyhilliard/keyfleet/internal/errors"
	"github.com/rileyhilliard/keyfleet/internal/fleet"
	"github.com/rileyhilliard/keyfleet/internal/ui"
	"github.com/rileyhilliard/keyfleet/internal/util"
	"gopkg.in/yaml.v3"
)

// Format selects the report encoding.
type Format string

const (
	JSON Format = "json"
	YAML Format = "yaml"
	Text Format = "text"
)

// Formats lists the accepted format names.
var Formats = []Format{JSON, YAML, Text}

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	for _, f := range Formats {
		if string(f) == s {
			return f, nil
		}
	}
	names := make([]string, len(Formats))
	for i, f := range Formats {
		names[i] = string(f)
	}
	return "", errors.New(errors.ErrConfig,
		fmt.Sprintf("Unknown report format '%s'", s),
		strings.TrimSpace("Use one of: "+strings.Join(names, ", ")+". "+util.DidYouMean(s, names)))
}

// Record is one target's row. Fields are declared in key order so JSON
// output matches a sorted-keys encoder.
type Record struct {
	Detail     string `json:"Detail,omitempty" yaml:"Detail,omitempty"`
	FailedStep string `json:"FailedStep,omitempty" yaml:"FailedStep,omitempty"`
	Status     string `json:"Status" yaml:"Status"`
	Target     string `json:"Target" yaml:"Target"`
}

// Records flattens r into rows, keeping completion order.
func Records(r *fleet.Report) []Record {
	out := make([]Record, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		out = append(out, Record{
			Detail:     o.Detail,
			FailedStep: string(o.FailedStep),
			Status:     string(o.Status),
			Target:     o.Target.String(),
		})
	}
	return out
}

// Write renders r to w in format f.
func Write(w io.Writer, r *fleet.Report, f Format) error {
	switch f {
	case JSON, "":
		return writeJSON(w, r)
	case YAML:
		return writeYAML(w, r)
	case Text:
		return writeText(w, r)
	default:
		_, err := ParseFormat(string(f))
		return err
	}
}

func writeJSON(w io.Writer, r *fleet.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	if err := enc.Encode(Records(r)); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

func writeYAML(w io.Writer, r *fleet.Report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(Records(r)); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return enc.Close()
}

func writeText(w io.Writer, r *fleet.Report) error {
	s := ui.NewStyles(ui.NewRenderer(w))

	var sb strings.Builder
	if r.RunID != "" {
		sb.WriteString(s.Muted.Render("run " + r.RunID))
		sb.WriteString("\n")
	}

	width := 0
	for _, o := range r.Outcomes {
		width = max(width, len(o.Target.String()))
	}

	for _, o := range r.Outcomes {
		target := fmt.Sprintf("%-*s", width, o.Target.String())
		if o.Success() {
			fmt.Fprintf(&sb, "%s %s  %s\n", s.Success.Render(ui.SymbolSuccess), target, s.Success.Render(string(o.Status)))
			continue
		}

		symbol := ui.SymbolFail
		if o.FailedStep == "" && strings.HasPrefix(o.Detail, "skipped: ") {
			symbol = ui.SymbolSkipped
		}
		fmt.Fprintf(&sb, "%s %s  %s", s.Error.Render(symbol), target, s.Error.Render(string(o.Status)))
		if o.FailedStep != "" {
			fmt.Fprintf(&sb, " %s", s.Warning.Render("at "+string(o.FailedStep)))
		}
		if o.Detail != "" {
			fmt.Fprintf(&sb, "  %s", s.Muted.Render(o.Detail))
		}
		sb.WriteString("\n")
	}

	if len(r.Outcomes) > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString(ui.RenderFleetSummary(s, r.Succeeded, r.Failed, r.Duration))
	sb.WriteString("\n")

	_, err := io.WriteString(w, sb.String())
	return err
}
