package policy

import (
	"context"

	"github.com/goodtune/terastv/internal/policy/opa"
	"github.com/rs/zerolog"
)

// TrackingPolicy decides which foreground packages count as viewing time.
type TrackingPolicy interface {
	Ignored(ctx context.Context, packageID string) bool
}

// StaticPolicy ignores a fixed package set plus the agent's own package.
type StaticPolicy struct {
	selfPackage string
	ignore      map[string]struct{}
}

// NewStaticPolicy creates a policy from the configured ignore list.
func NewStaticPolicy(selfPackage string, ignore []string) *StaticPolicy {
	set := make(map[string]struct{}, len(ignore))
	for _, pkg := range ignore {
		if pkg != "" {
			set[pkg] = struct{}{}
		}
	}
	return &StaticPolicy{selfPackage: selfPackage, ignore: set}
}

// Ignored reports whether packageID is excluded from tracking.
func (p *StaticPolicy) Ignored(_ context.Context, packageID string) bool {
	if packageID == "" {
		return true
	}
	if p.selfPackage != "" && packageID == p.selfPackage {
		return true
	}
	_, ok := p.ignore[packageID]
	return ok
}

// OPAPolicy evaluates data.terastv.tracking.ignore and falls back to a
// static policy when evaluation fails.
type OPAPolicy struct {
	engine   *opa.Engine
	fallback *StaticPolicy
	logger   zerolog.Logger
}

// NewOPAPolicy loads rego modules from policyDir.
func NewOPAPolicy(policyDir string, fallback *StaticPolicy, logger zerolog.Logger) (*OPAPolicy, error) {
	engine, err := opa.NewEngine(policyDir, logger)
	if err != nil {
		return nil, err
	}
	return &OPAPolicy{
		engine:   engine,
		fallback: fallback,
		logger:   logger.With().Str("component", "policy").Logger(),
	}, nil
}

// Ignored reports whether packageID is excluded from tracking.
func (p *OPAPolicy) Ignored(ctx context.Context, packageID string) bool {
	// The agent's own package is excluded whatever the bundle says.
	if p.fallback.selfPackage != "" && packageID == p.fallback.selfPackage {
		return true
	}

	ignore, err := p.engine.EvaluateIgnore(ctx, map[string]interface{}{
		"package":      packageID,
		"self_package": p.fallback.selfPackage,
	})
	if err != nil {
		p.logger.Warn().Err(err).Str("package", packageID).Msg("Policy evaluation failed, using static ignore set")
		return p.fallback.Ignored(ctx, packageID)
	}
	return ignore
}

// Reload re-reads the rego bundle from disk.
func (p *OPAPolicy) Reload() error {
	return p.engine.Reload()
}
