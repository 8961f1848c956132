// Package report serves aggregated statistics as JSON and as Excel
// workbooks.
package report

import (
	"bytes"
	"context"
	"fmt"

	"unieval/internal/stats"

	"github.com/xuri/excelize/v2"
)

type aggregator interface {
	Aggregate(ctx context.Context, instanceIDs []int64) (*stats.View, error)
	AggregateSynthesis(ctx context.Context, synthesisID int64) (*stats.View, error)
}

type Service struct {
	stats aggregator
}

// Summary is a view plus its option-text rollup.
type Summary struct {
	View         *stats.View         `json:"view"`
	OptionTotals []stats.OptionTotal `json:"option_totals"`
}

func NewService(agg aggregator) *Service {
	return &Service{stats: agg}
}

func (s *Service) InstanceSummary(ctx context.Context, instanceIDs []int64) (*Summary, error) {
	v, err := s.stats.Aggregate(ctx, instanceIDs)
	if err != nil {
		return nil, err
	}
	return &Summary{View: v, OptionTotals: stats.OptionTotals(v)}, nil
}

func (s *Service) SynthesisSummary(ctx context.Context, synthesisID int64) (*Summary, error) {
	v, err := s.stats.AggregateSynthesis(ctx, synthesisID)
	if err != nil {
		return nil, err
	}
	return &Summary{View: v, OptionTotals: stats.OptionTotals(v)}, nil
}

// Workbook renders a summary as an xlsx file with one row per option or
// text sample, and a second sheet holding the option totals.
func (s *Service) Workbook(sum *Summary) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	sheet := f.GetSheetName(0)
	if err := f.SetSheetName(sheet, "Questions"); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	sheet = "Questions"

	headers := []string{"section", "question", "kind", "answer", "count", "percentage"}
	writeRow(f, sheet, 1, toAny(headers))

	row := 2
	for _, sec := range sum.View.Sections {
		for _, q := range sec.Questions {
			if len(q.Options) > 0 {
				for _, o := range q.Options {
					writeRow(f, sheet, row, []any{sec.Title, q.Prompt, string(q.Kind), o.Text, o.Count, o.Percentage})
					row++
				}
				continue
			}
			writeRow(f, sheet, row, []any{sec.Title, q.Prompt, string(q.Kind), "", q.TextCount, ""})
			row++
			for _, sample := range q.Samples {
				writeRow(f, sheet, row, []any{sec.Title, q.Prompt, "SAMPLE", sample.Text, "", ""})
				row++
			}
		}
	}
	_ = f.SetColWidth(sheet, "A", "B", 36)
	_ = f.SetColWidth(sheet, "C", "F", 14)

	if _, err := f.NewSheet("Totals"); err != nil {
		return nil, fmt.Errorf("add totals sheet: %w", err)
	}
	writeRow(f, "Totals", 1, []any{"option", "count"})
	for i, t := range sum.OptionTotals {
		writeRow(f, "Totals", i+2, []any{t.Text, t.Count})
	}
	_ = f.SetColWidth("Totals", "A", "A", 30)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write excel: %w", err)
	}
	return buf.Bytes(), nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) {
	for col, v := range values {
		cell, _ := excelize.CoordinatesToCellName(col+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = v
	}
	return out
}
