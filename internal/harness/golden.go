package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/pairwise/internal/ir"
)

// TraceSnapshot captures the outcome of a scenario for golden comparison.
type TraceSnapshot struct {
	ScenarioName string       `json:"scenario_name"`
	Trace        []TraceEvent `json:"trace"`
	Audit        []AuditEntry `json:"audit"`
}

// toCanonicalMap converts a TraceSnapshot to a map[string]any for canonical
// JSON serialization, which only handles primitives, slices and maps.
func (s *TraceSnapshot) toCanonicalMap() map[string]any {
	traceList := make([]any, len(s.Trace))
	for i, event := range s.Trace {
		eventMap := map[string]any{
			"step":    event.Step,
			"do":      event.Do,
			"outcome": event.Outcome,
		}
		if event.Invoice != "" {
			eventMap["invoice"] = event.Invoice
		}
		if event.Note != "" {
			eventMap["note"] = event.Note
		}
		traceList[i] = eventMap
	}

	auditList := make([]any, len(s.Audit))
	for i, e := range s.Audit {
		entry := map[string]any{
			"invoice":     e.Invoice,
			"action":      e.Action,
			"actor":       e.Actor,
			"prev_status": e.PrevStatus,
			"new_status":  e.NewStatus,
		}
		if e.Note != "" {
			entry["delivery_note_id"] = e.Note
		}
		auditList[i] = entry
	}

	return map[string]any{
		"scenario_name": s.ScenarioName,
		"trace":         traceList,
		"audit":         auditList,
	}
}

// Snapshot returns the canonical JSON form of a result.
func Snapshot(name string, result *Result) ([]byte, error) {
	snapshot := TraceSnapshot{
		ScenarioName: name,
		Trace:        result.Trace,
		Audit:        result.Audit,
	}
	return ir.MarshalCanonical(snapshot.toCanonicalMap())
}

// RunWithGolden executes a scenario and compares its trace and audit trail
// against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file without
// re-running the scenario.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}

// GoldenPath is the golden file of a scenario under dir.
func GoldenPath(dir, scenarioName string) string {
	return filepath.Join(dir, scenarioName+".golden")
}

// CompareGolden reports whether a result matches its golden file under dir.
// A missing golden file is an error.
func CompareGolden(dir, scenarioName string, result *Result) (bool, error) {
	want, err := os.ReadFile(GoldenPath(dir, scenarioName))
	if err != nil {
		return false, fmt.Errorf("read golden file: %w", err)
	}
	got, err := Snapshot(scenarioName, result)
	if err != nil {
		return false, err
	}
	return bytes.Equal(want, got), nil
}

// UpdateGolden writes a result as the golden file under dir.
func UpdateGolden(dir, scenarioName string, result *Result) error {
	data, err := Snapshot(scenarioName, result)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create golden dir: %w", err)
	}
	return os.WriteFile(GoldenPath(dir, scenarioName), data, 0o644)
}
