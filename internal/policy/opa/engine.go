package opa

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// IgnoreQuery is the rule every tracking policy bundle must define.
const IgnoreQuery = "data.terastv.tracking.ignore"

// Engine wraps OPA rego engine for tracking policy evaluation
type Engine struct {
	policyDir string
	logger    zerolog.Logger

	mu          sync.RWMutex
	ignoreQuery rego.PreparedEvalQuery
	modules     map[string]*ast.Module
}

// NewEngine creates a new OPA engine
func NewEngine(policyDir string, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policyDir: policyDir,
		logger:    logger.With().Str("component", "opa").Logger(),
	}

	modules, err := e.loadPolicies()
	if err != nil {
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}

	query, err := prepareIgnoreQuery(modules)
	if err != nil {
		return nil, err
	}

	e.modules = modules
	e.ignoreQuery = query

	e.logger.Info().Str("policy_dir", policyDir).Msg("OPA engine initialized")

	return e, nil
}

// loadPolicies loads all .rego files from the policy directory
func (e *Engine) loadPolicies() (map[string]*ast.Module, error) {
	files, err := filepath.Glob(filepath.Join(e.policyDir, "*.rego"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob policy files: %w", err)
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no policy files found in %s", e.policyDir)
	}

	e.logger.Info().Int("count", len(files)).Msg("Loading policy files")

	modules := make(map[string]*ast.Module, len(files))
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}

		module, err := ast.ParseModule(file, string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", file, err)
		}

		modules[file] = module
		e.logger.Debug().Str("file", file).Str("package", module.Package.Path.String()).Msg("Loaded policy module")
	}

	return modules, nil
}

// prepareIgnoreQuery prepares the tracking ignore query
func prepareIgnoreQuery(modules map[string]*ast.Module) (rego.PreparedEvalQuery, error) {
	opts := []func(*rego.Rego){rego.Query(IgnoreQuery)}
	for _, module := range modules {
		opts = append(opts, rego.ParsedModule(module))
	}

	query, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to prepare ignore query: %w", err)
	}
	return query, nil
}

// EvaluateIgnore reports whether the policy marks the input package as ignored.
// An undefined rule is reported as an error so callers can fall back.
func (e *Engine) EvaluateIgnore(ctx context.Context, input map[string]interface{}) (bool, error) {
	startTime := time.Now()

	e.mu.RLock()
	query := e.ignoreQuery
	e.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("ignore query evaluation failed: %w", err)
	}

	e.logger.Debug().Dur("duration_ms", time.Since(startTime)).Msg("Ignore query evaluated")

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, fmt.Errorf("no results from ignore query")
	}

	ignore, ok := results[0].Expressions[0].Value.(bool)
	if !ok {
		return false, fmt.Errorf("ignore decision is not a bool: %T", results[0].Expressions[0].Value)
	}

	return ignore, nil
}

// Reload reloads all policies from disk. The previous query stays active
// when the new bundle fails to load.
func (e *Engine) Reload() error {
	e.logger.Info().Msg("Reloading OPA policies")

	modules, err := e.loadPolicies()
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}

	query, err := prepareIgnoreQuery(modules)
	if err != nil {
		return fmt.Errorf("failed to re-prepare ignore query: %w", err)
	}

	e.mu.Lock()
	e.modules = modules
	e.ignoreQuery = query
	e.mu.Unlock()

	e.logger.Info().Msg("OPA policies reloaded successfully")

	return nil
}
