package socrata

import (
	"strings"
	"testing"
	"time"
)

func TestRender(t *testing.T) {
	start := time.Date(2025, 1, 24, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 1, 31, 23, 59, 59, 0, time.UTC)
	status := Or(Eq("status", "Open"), Eq("status", "In Progress"))

	tests := []struct {
		name string
		expr Expr
		want string
	}{
		{
			name: "initial window",
			expr: And(status, Compare("created_date", OpGte, start)),
			want: "((status='Open' OR status='In Progress') AND created_date >= '2025-01-24T00:00:00')",
		},
		{
			name: "incremental window",
			expr: And(status, Compare("created_date", OpGt, start), Compare("created_date", OpLte, end)),
			want: "((status='Open' OR status='In Progress') AND created_date > '2025-01-24T00:00:00' AND created_date <= '2025-01-31T23:59:59')",
		},
		{
			name: "single comparison",
			expr: Eq("borough", "BRONX"),
			want: "borough='BRONX'",
		},
		{
			name: "quote escaping",
			expr: Eq("incident_address", "O'BRIEN ST"),
			want: "incident_address='O''BRIEN ST'",
		},
		{
			name: "injection attempt stays inside the literal",
			expr: Eq("status", "Open' OR '1'='1"),
			want: "status='Open'' OR ''1''=''1'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Render(tt.expr)
			if err != nil {
				t.Fatalf("Render failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Render mismatch:\n got: %s\nwant: %s", got, tt.want)
			}
		})
	}
}

func TestRenderRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name string
		expr Expr
		want string
	}{
		{"nil expression", nil, "nil filter"},
		{"bad field", Eq("status = 'x' OR 1", "Open"), "invalid field name"},
		{"uppercase field", Eq("Status", "Open"), "invalid field name"},
		{"bad operator", Comparison{Field: "status", Op: "LIKE", Value: "x"}, "unsupported operator"},
		{"empty junction", And(), "empty AND"},
		{"nil term", Or(Eq("status", "Open"), nil), "nil term"},
		{"bad conjunction", Junction{Conj: "XOR", Terms: []Expr{Eq("a", "b")}}, "unsupported conjunction"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Render(tt.expr)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}
