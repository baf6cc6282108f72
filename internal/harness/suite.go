package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ScenarioResult is the outcome of one scenario file in a suite.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Path   string   `json:"path"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// SuiteResult summarizes a run over several scenario files.
type SuiteResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// FindScenarios resolves path to scenario files. A directory yields its
// *.yaml and *.yml files in name order; a file yields itself. A non-empty
// filter is a glob matched against file names without extension.
func FindScenarios(path, filter string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("scenario path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("scenario path: %w", err)
	}
	var paths []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		if filter != "" {
			matched, err := filepath.Match(filter, strings.TrimSuffix(e.Name(), ext))
			if err != nil {
				return nil, fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				continue
			}
		}
		paths = append(paths, filepath.Join(path, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// SuiteOptions tunes RunSuite.
type SuiteOptions struct {
	// Filter is a glob over scenario file names without extension.
	Filter string

	// GoldenDir, when set, holds golden files compared against each
	// scenario that has one.
	GoldenDir string

	// Update rewrites the golden files in GoldenDir instead of comparing.
	Update bool
}

// RunSuite loads and runs every scenario under path. A scenario that fails
// to load or run is counted as failed and the suite carries on.
func RunSuite(ctx context.Context, path string, opts SuiteOptions) (*SuiteResult, error) {
	paths, err := FindScenarios(path, opts.Filter)
	if err != nil {
		return nil, err
	}

	result := &SuiteResult{Scenarios: make([]ScenarioResult, 0, len(paths))}
	for _, scenarioPath := range paths {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		sr := runFile(scenarioPath, opts)
		result.Scenarios = append(result.Scenarios, sr)
		result.Total++
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}
	return result, nil
}

func runFile(path string, opts SuiteOptions) ScenarioResult {
	sr := ScenarioResult{
		Name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Path: path,
	}
	scenario, err := LoadScenario(path)
	if err != nil {
		sr.Errors = []string{fmt.Sprintf("failed to load scenario: %v", err)}
		return sr
	}
	sr.Name = scenario.Name

	result, err := Run(scenario)
	if err != nil {
		sr.Errors = []string{fmt.Sprintf("scenario execution failed: %v", err)}
		return sr
	}
	sr.Errors = result.Errors

	switch {
	case opts.GoldenDir == "":
	case opts.Update:
		if err := UpdateGolden(opts.GoldenDir, scenario.Name, result); err != nil {
			sr.Errors = append(sr.Errors, fmt.Sprintf("failed to update golden file: %v", err))
		}
	default:
		golden := GoldenPath(opts.GoldenDir, scenario.Name)
		if _, err := os.Stat(golden); err != nil {
			break
		}
		match, err := CompareGolden(opts.GoldenDir, scenario.Name, result)
		switch {
		case err != nil:
			sr.Errors = append(sr.Errors, fmt.Sprintf("golden comparison failed: %v", err))
		case !match:
			sr.Errors = append(sr.Errors, fmt.Sprintf("trace differs from golden file %s", golden))
		}
	}
	sr.Pass = result.Pass && len(sr.Errors) == 0
	return sr
}
