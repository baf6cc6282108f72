package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/pairwise/internal/ir"
)

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

// marshalColumn encodes v as JSON TEXT. Nil slices are stored as "[]".
func marshalColumn(name string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", name, err)
	}
	if string(data) == "null" {
		return "[]", nil
	}
	return string(data), nil
}

func unmarshalLineDiffs(data string) ([]ir.LineDiff, error) {
	var diffs []ir.LineDiff
	if err := json.Unmarshal([]byte(data), &diffs); err != nil {
		return nil, fmt.Errorf("unmarshal line diffs: %w", err)
	}
	if len(diffs) == 0 {
		return nil, nil
	}
	return diffs, nil
}

func unmarshalReasons(data string) ([]ir.ReasonCode, error) {
	var reasons []ir.ReasonCode
	if err := json.Unmarshal([]byte(data), &reasons); err != nil {
		return nil, fmt.Errorf("unmarshal reasons: %w", err)
	}
	if len(reasons) == 0 {
		return nil, nil
	}
	return reasons, nil
}

func unmarshalBreakdown(data string) (ir.ScoreBreakdown, error) {
	var b ir.ScoreBreakdown
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return ir.ScoreBreakdown{}, fmt.Errorf("unmarshal breakdown: %w", err)
	}
	return b, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
