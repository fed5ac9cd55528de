package drilldown

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"testing"

	"github.com/vantagehq/vantage/internal/domain"
)

func TestExportCSV(t *testing.T) {
	f := newEngineFixture(t, strongRows())
	ctx := context.Background()
	if _, err := f.engine.PerformDrillDown(ctx, f.session.ID, Request{}); err != nil {
		t.Fatalf("drill down: %v", err)
	}

	data, contentType, err := f.engine.ExportData(ctx, f.session.ID, FormatCSV)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if contentType != "text/csv" {
		t.Fatalf("content type = %q, want text/csv", contentType)
	}

	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d records", len(records))
	}
	wantHeader := []string{"Dimension", "Label", "Value", "Percentage", "Rank", "Trend Direction", "Trend %"}
	for i, col := range wantHeader {
		if records[0][i] != col {
			t.Fatalf("header[%d] = %q, want %q", i, records[0][i], col)
		}
	}
	if records[1][1] != "Europe" || records[1][2] != "60" || records[1][4] != "1" {
		t.Fatalf("unexpected first row: %v", records[1])
	}
	if records[2][5] != string(domain.TrendDown) {
		t.Fatalf("expected down trend in second row, got %q", records[2][5])
	}
}

func TestExportJSONDefault(t *testing.T) {
	f := newEngineFixture(t, strongRows())
	ctx := context.Background()
	if _, err := f.engine.PerformDrillDown(ctx, f.session.ID, Request{}); err != nil {
		t.Fatalf("drill down: %v", err)
	}

	data, contentType, err := f.engine.ExportData(ctx, f.session.ID, "xlsx")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if contentType != "application/json" {
		t.Fatalf("unknown formats should fall back to JSON, got %q", contentType)
	}
	var result domain.DrillDownResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("expected 2 rows in export, got %d", len(result.Rows))
	}
}

func TestExportComputesWhenNoLastResult(t *testing.T) {
	f := newEngineFixture(t, strongRows())

	data, _, err := f.engine.ExportData(context.Background(), f.session.ID, FormatJSON)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(f.backend.calls) != 1 {
		t.Fatalf("export should execute the current context, backend called %d times", len(f.backend.calls))
	}
	var result domain.DrillDownResult
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("unmarshal export: %v", err)
	}
	if result.Level != 0 {
		t.Fatalf("expected level 0 export, got %d", result.Level)
	}
}

func TestExportUnknownSession(t *testing.T) {
	f := newEngineFixture(t, strongRows())
	if _, _, err := f.engine.ExportData(context.Background(), "missing", FormatCSV); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
