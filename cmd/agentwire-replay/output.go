package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/Strob0t/agentwire/internal/service"
)

const (
	colorRed   = "\x1b[31m"
	colorGreen = "\x1b[32m"
	colorReset = "\x1b[0m"
)

// printer renders command results as tables, or as JSON with --json.
// Colors are only used when writing to a terminal.
type printer struct {
	w     io.Writer
	json  bool
	color bool
}

func newPrinter(w io.Writer, jsonOut, color bool) *printer {
	return &printer{w: w, json: jsonOut, color: color && !jsonOut}
}

func (p *printer) encode(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) paint(color, s string) string {
	if !p.color {
		return s
	}
	return color + s + colorReset
}

func (p *printer) replay(res *service.ReplayResult) error {
	if p.json {
		return p.encode(res)
	}
	if res.Run != nil {
		fmt.Fprintf(p.w, "trace %s  graph %s@%s  status %s\n\n",
			res.Run.TraceID, res.Run.GraphID, res.Run.GraphVersion, res.Run.Status)
	}
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STEP\tNODE\tSTATE\tNEXT\tDURATION\tACTIVITIES")
	for i := range res.Steps {
		s := &res.Steps[i]
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%d\n",
			s.StepIndex, s.NodeID, shortHash(s.StateHash), s.NextEdge,
			(time.Duration(s.DurationMS) * time.Millisecond).String(), len(s.Activities))
	}
	return tw.Flush()
}

func (p *printer) compare(r *service.CompareReport) error {
	if p.json {
		return p.encode(r)
	}
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STEP\tRESULT\tDETAIL")
	for i := range r.Steps {
		s := &r.Steps[i]
		result, detail := p.paint(colorGreen, "match"), ""
		if !s.Match {
			result = p.paint(colorRed, "mismatch")
			detail = mismatchDetail(s)
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\n", s.StepIndex, result, detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	summary := fmt.Sprintf("%d/%d steps match (%.1f%%)", r.MatchedSteps, r.TotalSteps, r.MatchPercent)
	if r.Divergence != nil {
		summary = p.paint(colorRed, summary)
	}
	_, err := fmt.Fprintf(p.w, "\n%s\n", summary)
	return err
}

func (p *printer) verify(r *service.VerifyReport) error {
	if p.json {
		return p.encode(r)
	}
	_, err := fmt.Fprintf(p.w, "trace %s: %s (%d steps recorded)\n", r.TraceID, r.Status, r.Steps)
	return err
}

func mismatchDetail(s *service.StepComparison) string {
	if s.Missing != "" {
		return "missing in trace " + s.Missing
	}
	var detail string
	for i, m := range s.Mismatches {
		if i > 0 {
			detail += ", "
		}
		detail += fmt.Sprintf("%s %s != %s", m.Field, shortHash(m.A), shortHash(m.B))
	}
	return detail
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
