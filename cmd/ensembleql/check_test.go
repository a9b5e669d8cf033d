package main

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pterm/pterm"

	"github.com/gridcast/ensembleql"
	"github.com/gridcast/ensembleql/internal/shape"
	"github.com/gridcast/ensembleql/internal/tabular"
)

func TestMain(m *testing.M) {
	pterm.DisableStyling()
	os.Exit(m.Run())
}

func TestStatementArg(t *testing.T) {
	t.Parallel()

	sql, err := statementArg([]string{"SELECT 1"}, strings.NewReader("ignored"))
	if err != nil || sql != "SELECT 1" {
		t.Fatalf("expected argument, got %q %v", sql, err)
	}
	sql, err = statementArg(nil, strings.NewReader("SELECT 2\n"))
	if err != nil || sql != "SELECT 2\n" {
		t.Fatalf("expected stdin, got %q %v", sql, err)
	}
	if _, err := statementArg(nil, strings.NewReader("  \n")); err == nil {
		t.Fatal("expected error for empty statement")
	}
}

func TestRenderVerdict_Accepted(t *testing.T) {
	t.Parallel()
	out := ensembleql.CheckSQL(ensembleql.Config{}, "SELECT valid_datetime, ensemble_value FROM weather_forecast_ensemble")

	var buf bytes.Buffer
	renderVerdict(&buf, out)
	got := buf.String()
	for _, want := range []string{"accepted", "5000 (injected)", "weather_forecast_ensemble", "LIMIT 5000"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in output:\n%s", want, got)
		}
	}
}

func TestRenderVerdict_Rejected(t *testing.T) {
	t.Parallel()
	out := ensembleql.CheckSQL(ensembleql.Config{}, "SELECT pg_sleep(10)")

	var buf bytes.Buffer
	renderVerdict(&buf, out)
	got := buf.String()
	if !strings.Contains(got, "rejected (FORBIDDEN_FUNCTION)") {
		t.Fatalf("expected rejection reason:\n%s", got)
	}
	if !strings.Contains(got, "pg_sleep") {
		t.Fatalf("expected the rejection message:\n%s", got)
	}
}

func TestLimitLabel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		out  ensembleql.ValidateOutput
		want string
	}{
		{ensembleql.ValidateOutput{LimitSource: "none"}, "none"},
		{ensembleql.ValidateOutput{LimitSource: "user", Limit: 24}, "24 (user)"},
		{ensembleql.ValidateOutput{LimitSource: "clamped", Limit: 5000}, "5000 (clamped)"},
	}
	for _, tt := range tests {
		if got := limitLabel(&tt.out); got != tt.want {
			t.Errorf("expected %q, got %q", tt.want, got)
		}
	}
}

func testShaped() *shape.Shaped {
	return shape.Shape(&tabular.Result{
		Columns: []tabular.Column{
			{Name: "ensemble_path", EngineType: "int4"},
			{Name: "ensemble_value", EngineType: "float8"},
		},
		Rows: [][]tabular.Value{
			{tabular.Int(1), tabular.Float(6.5)},
			{tabular.Int(2), tabular.Float(7.25)},
		},
		Truncated: true,
		RowCap:    2,
	})
}

func TestRenderResult(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := renderResult(&buf, &ensembleql.RunOutput{Result: testShaped()}); err != nil {
		t.Fatalf("renderResult: %v", err)
	}
	got := buf.String()
	for _, want := range []string{"ensemble_path", "ensemble_value", "7.25", "(2 rows)"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in output:\n%s", want, got)
		}
	}
}

func TestWriteResultFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	csvPath := filepath.Join(dir, "out.csv")
	if err := writeResultFile(csvPath, "", testShaped()); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	f, _ := os.Open(csvPath)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(records) != 3 || records[0][0] != "ensemble_path" || records[2][1] != "7.25" {
		t.Fatalf("unexpected csv %v", records)
	}

	parquetPath := filepath.Join(dir, "out.parquet")
	if err := writeResultFile(parquetPath, "", testShaped()); err != nil {
		t.Fatalf("write parquet: %v", err)
	}
	data, _ := os.ReadFile(parquetPath)
	if !bytes.HasPrefix(data, []byte("PAR1")) {
		t.Fatal("expected parquet magic bytes")
	}

	if err := writeResultFile(filepath.Join(dir, "out.xlsx"), "xlsx", testShaped()); err == nil {
		t.Fatal("expected unsupported format error")
	}
}

