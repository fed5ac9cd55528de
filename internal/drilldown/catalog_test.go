package drilldown

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/vantagehq/vantage/internal/domain"
)

func validPath() domain.DrillDownPath {
	return domain.DrillDownPath{
		Name:      "Sales by geography",
		MetricIDs: []string{"revenue"},
		Levels: []domain.DrillDownLevel{
			{Order: 0, Dimension: "region", Aggregation: domain.AggregateSum},
			{Order: 1, Dimension: "country", Aggregation: domain.AggregateSum},
			{Order: 2, Dimension: "city", Aggregation: domain.AggregateSum},
		},
	}
}

func TestCatalogCreateAssignsIDAndTimestamp(t *testing.T) {
	catalog := NewCatalog()
	created, err := catalog.Create(validPath())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || created.CreatedAt.IsZero() {
		t.Fatalf("expected generated id and timestamp, got %+v", created)
	}
	got, err := catalog.Get(created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Sales by geography" {
		t.Fatalf("unexpected path %+v", got)
	}
}

func TestCatalogCreateRejectsBadPaths(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*domain.DrillDownPath)
	}{
		{"empty name", func(p *domain.DrillDownPath) { p.Name = "" }},
		{"no levels", func(p *domain.DrillDownPath) { p.Levels = nil }},
		{"non-contiguous orders", func(p *domain.DrillDownPath) { p.Levels[1].Order = 2; p.Levels[2].Order = 1 }},
		{"orders not starting at zero", func(p *domain.DrillDownPath) {
			p.Levels[0].Order = 1
			p.Levels[1].Order = 2
			p.Levels[2].Order = 3
		}},
		{"duplicate dimension", func(p *domain.DrillDownPath) { p.Levels[2].Dimension = "region" }},
		{"missing dimension", func(p *domain.DrillDownPath) { p.Levels[1].Dimension = "" }},
		{"unknown aggregation", func(p *domain.DrillDownPath) { p.Levels[0].Aggregation = "median" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			catalog := NewCatalog()
			path := validPath()
			tc.mutate(&path)
			if _, err := catalog.Create(path); !errors.Is(err, ErrInvalidPath) {
				t.Fatalf("expected ErrInvalidPath, got %v", err)
			}
		})
	}
}

func TestCatalogCreateRejectsDuplicateID(t *testing.T) {
	catalog := NewCatalog()
	path := validPath()
	path.ID = "fixed-id"
	if _, err := catalog.Create(path); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := catalog.Create(path); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected duplicate id rejection, got %v", err)
	}
}

func TestCatalogGetUnknown(t *testing.T) {
	catalog := NewCatalog()
	if _, err := catalog.Get("missing"); !errors.Is(err, ErrPathNotFound) {
		t.Fatalf("expected ErrPathNotFound, got %v", err)
	}
}

func TestCatalogLoadFile(t *testing.T) {
	definitions := `paths:
  - id: sales-geo
    name: Sales by geography
    metricIds: [revenue]
    levels:
      - order: 0
        dimension: region
        aggregation: sum
      - order: 1
        dimension: country
        aggregation: sum
  - name: Signups by plan
    metricIds: [signups]
    levels:
      - order: 0
        dimension: plan
        aggregation: count
`
	file := filepath.Join(t.TempDir(), "paths.yaml")
	if err := os.WriteFile(file, []byte(definitions), 0o600); err != nil {
		t.Fatalf("write paths file: %v", err)
	}

	catalog := NewCatalog()
	if err := catalog.LoadFile(file, nil); err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(catalog.List()) != 2 {
		t.Fatalf("expected 2 paths, got %d", len(catalog.List()))
	}
	if _, err := catalog.Get("sales-geo"); err != nil {
		t.Fatalf("explicit id not honored: %v", err)
	}
}

func TestCatalogLoadFileRejectsInvalidPath(t *testing.T) {
	definitions := `paths:
  - name: Broken
    metricIds: [revenue]
    levels:
      - order: 1
        dimension: region
`
	file := filepath.Join(t.TempDir(), "paths.yaml")
	if err := os.WriteFile(file, []byte(definitions), 0o600); err != nil {
		t.Fatalf("write paths file: %v", err)
	}
	catalog := NewCatalog()
	if err := catalog.LoadFile(file, nil); !errors.Is(err, ErrInvalidPath) {
		t.Fatalf("expected ErrInvalidPath, got %v", err)
	}
	if len(catalog.List()) != 0 {
		t.Fatal("failed load should not leave paths behind")
	}
}

func TestCatalogListSortedByName(t *testing.T) {
	catalog := NewCatalog()
	for _, name := range []string{"Zeta", "Alpha", "Mid"} {
		path := validPath()
		path.Name = name
		if _, err := catalog.Create(path); err != nil {
			t.Fatalf("create %q: %v", name, err)
		}
	}
	list := catalog.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 paths, got %d", len(list))
	}
	if list[0].Name != "Alpha" || list[1].Name != "Mid" || list[2].Name != "Zeta" {
		t.Fatalf("list not sorted: %s, %s, %s", list[0].Name, list[1].Name, list[2].Name)
	}
}
