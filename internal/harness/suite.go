package harness

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
)

// ScenarioRun is the outcome of one scenario file in a suite.
type ScenarioRun struct {
	Path string

	// Scenario is nil when the file failed to load.
	Scenario *Scenario

	// Result is nil when loading or execution failed.
	Result *Result

	// Err is the load or execution error.
	Err error
}

// Name is the scenario's name, or the file name when it did not load.
func (r ScenarioRun) Name() string {
	if r.Scenario != nil {
		return r.Scenario.Name
	}
	return filepath.Base(r.Path)
}

// Pass reports whether the scenario ran and every check held.
func (r ScenarioRun) Pass() bool {
	return r.Err == nil && r.Result != nil && r.Result.Pass
}

// SuiteResult contains the results of running a directory of scenarios.
type SuiteResult struct {
	Runs   []ScenarioRun `json:"-"`
	Total  int           `json:"total"`
	Passed int           `json:"passed"`
	Failed int           `json:"failed"`
}

// FindScenarios returns the .yaml and .yml files under dir in lexical
// order. A non-empty filter is a glob matched against each file's base name
// without extension.
func FindScenarios(dir, filter string) ([]string, error) {
	if filter != "" {
		if _, err := filepath.Match(filter, ""); err != nil {
			return nil, fmt.Errorf("invalid filter pattern: %w", err)
		}
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			if matched, _ := filepath.Match(filter, name); !matched {
				return nil
			}
		}

		files = append(files, path)
		return nil
	})
	return files, err
}

// RunSuite loads and runs every scenario FindScenarios returns. Schema
// paths resolve against each scenario file's directory.
//
// A scenario that fails to load or run is counted as failed; RunSuite
// itself fails only when dir cannot be walked.
func RunSuite(ctx context.Context, dir, filter string, opts ...Option) (*SuiteResult, error) {
	paths, err := FindScenarios(dir, filter)
	if err != nil {
		return nil, err
	}

	suite := &SuiteResult{Runs: make([]ScenarioRun, 0, len(paths)), Total: len(paths)}
	for _, path := range paths {
		run := ScenarioRun{Path: path}

		run.Scenario, run.Err = LoadScenario(path)
		if run.Err == nil {
			run.Result, run.Err = Run(ctx, run.Scenario, opts...)
		}

		if run.Pass() {
			suite.Passed++
		} else {
			suite.Failed++
		}
		suite.Runs = append(suite.Runs, run)
	}
	return suite, nil
}
