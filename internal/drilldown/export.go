package drilldown

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/vantagehq/vantage/internal/domain"
)

// Export formats supported by ExportData. Anything else degrades to JSON.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

var csvHeader = []string{"Dimension", "Label", "Value", "Percentage", "Rank", "Trend Direction", "Trend %"}

// ExportData renders the session's most recent drill-down result. When the
// session has not executed a step yet, the current context is computed first
// so an export is always possible on a live session.
func (e *Engine) ExportData(ctx context.Context, sessionID, format string) ([]byte, string, error) {
	session, err := e.sessions.Get(sessionID)
	if err != nil {
		return nil, "", err
	}

	session.mu.Lock()
	last := session.LastResult
	session.mu.Unlock()

	var result domain.DrillDownResult
	if last != nil {
		result = *last
	} else {
		result, err = e.PerformDrillDown(ctx, sessionID, Request{})
		if err != nil {
			return nil, "", err
		}
	}

	if format == FormatCSV {
		data, err := renderCSV(result)
		if err != nil {
			return nil, "", err
		}
		return data, "text/csv", nil
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("marshal export: %w", err)
	}
	return data, "application/json", nil
}

func renderCSV(result domain.DrillDownResult) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, row := range result.Rows {
		record := []string{
			row.Dimension,
			row.Label,
			strconv.FormatFloat(row.Value, 'f', -1, 64),
			strconv.FormatFloat(row.Percentage, 'f', 2, 64),
			strconv.Itoa(row.Rank),
			string(row.Trend),
			strconv.FormatFloat(row.TrendPct, 'f', 2, 64),
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}
