package storage

import (
	"math"
	"strings"
	"testing"
	"time"
)

func TestAppendStatements_IndexDayFirst(t *testing.T) {
	ts := time.Date(2025, 3, 10, 23, 59, 0, 0, time.UTC)
	stmts := appendStatements(StoredReading{ID: 42, Timestamp: ts, LoadValue: 1, GasValue: 2})

	wantTables := []string{"reading_days", "readings_by_day", "reading_totals"}
	if len(stmts) != len(wantTables) {
		t.Fatalf("got %d statements, want %d", len(stmts), len(wantTables))
	}
	for i, table := range wantTables {
		if !strings.Contains(stmts[i].cql, " "+table+" ") {
			t.Errorf("statement %d = %q, want a write to %s", i, stmts[i].cql, table)
		}
	}

	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	if got := stmts[0].args[1].(time.Time); !got.Equal(day) {
		t.Errorf("indexed day = %v, want %v", got, day)
	}
	if got := stmts[1].args[0].(time.Time); !got.Equal(day) {
		t.Errorf("reading partition = %v, want %v", got, day)
	}
}

func TestCQLLimit(t *testing.T) {
	tests := []struct {
		name   string
		counts []int
		want   int
	}{
		{name: "small", counts: []int{10, 5}, want: 15},
		{name: "zero skip", counts: []int{0, 100}, want: 100},
		{name: "skip at int32 edge", counts: []int{math.MaxInt32 - 1, 100}, want: math.MaxInt32},
		{name: "huge skip", counts: []int{math.MaxInt, 2}, want: math.MaxInt32},
		{name: "huge limit", counts: []int{0, math.MaxInt}, want: math.MaxInt32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cqlLimit(tt.counts...); got != tt.want {
				t.Errorf("cqlLimit(%v) = %d, want %d", tt.counts, got, tt.want)
			}
		})
	}
}
