package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/thearchitectit/guardrail-mcp/internal/circuitbreaker"
	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

// OverridePattern is a catalog entry loaded from an external source
// (Postgres or a YAML overlay) rather than compiled into the binary.
type OverridePattern struct {
	Pattern       string `yaml:"pattern"`
	Name          string `yaml:"name"`
	Severity      string `yaml:"severity"`
	Category      string `yaml:"category"`
	ViolationType string `yaml:"violationType"`
	CaseFold      bool   `yaml:"caseFold"`
}

// PatternStore loads organization-specific pattern overrides from
// Postgres at startup and on a refresh tick, via a pooled connection
// (jackc/pgx stdlib driver, database/sql, $N placeholders).
type PatternStore struct {
	db      *sql.DB
	breaker *circuitbreaker.Manager
}

// NewPatternStore opens a Postgres connection pool for the override
// store. dsn follows the standard postgresql:// connection string form.
// breaker may be nil, in which case queries run unprotected.
func NewPatternStore(dsn string, breaker *circuitbreaker.Manager) (*PatternStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: open pattern store: %w", err)
	}
	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: ping pattern store: %w", err)
	}
	return &PatternStore{db: db, breaker: breaker}, nil
}

// LoadOverrides fetches every enabled override row, through the
// Postgres circuit breaker so a degraded database fails fast instead of
// blocking the catalog's refresh tick.
func (s *PatternStore) LoadOverrides(ctx context.Context) ([]OverridePattern, error) {
	var out []OverridePattern
	query := func() error {
		rows, err := s.db.QueryContext(ctx, `
			SELECT pattern, name, severity, category, violation_type, case_fold
			FROM catalog_overrides
			WHERE enabled = true
			ORDER BY category, name`)
		if err != nil {
			return fmt.Errorf("catalog: query overrides: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var o OverridePattern
			if err := rows.Scan(&o.Pattern, &o.Name, &o.Severity, &o.Category, &o.ViolationType, &o.CaseFold); err != nil {
				return fmt.Errorf("catalog: scan override row: %w", err)
			}
			out = append(out, o)
		}
		return rows.Err()
	}

	if s.breaker == nil {
		if err := query(); err != nil {
			return nil, err
		}
		return out, nil
	}
	if err := s.breaker.ExecuteDB(ctx, query); err != nil {
		return nil, err
	}
	return out, nil
}

// Close closes the underlying connection pool.
func (s *PatternStore) Close() error {
	return s.db.Close()
}

// overlayMu guards the process-wide overlay applied on top of the
// built-in attackConfigs; overlay rounds are consulted after every
// built-in round so operator overrides extend, never shadow, the core
// catalog.
var overlay []attackRound

// ApplyOverrides compiles and installs a set of override patterns as one
// additional round appended to the scan order. Patterns are validated
// exactly like built-ins before being accepted; an invalid override
// pattern is logged and skipped rather than rejecting the whole batch.
func ApplyOverrides(overrides []OverridePattern) {
	var round attackRound
	round.category = "overlay"
	for _, o := range overrides {
		pattern := o.Pattern
		if o.CaseFold {
			pattern = "(?i)" + pattern
		}
		if err := ValidatePattern(pattern); err != nil {
			slog.Warn("catalog: skipping invalid override pattern", "name", o.Name, "error", err)
			continue
		}
		round.patterns = append(round.patterns, patternDef{
			pattern:  o.Pattern,
			name:     o.Name,
			severity: valtypes.Severity(o.Severity),
		})
		round.caseFold = round.caseFold || o.CaseFold
		round.violationType = valtypes.ViolationType(o.ViolationType)
		round.confidence = 0.75
	}
	overlay = []attackRound{round}
}

// ScanOverlay runs the operator-supplied overlay round, if any is
// installed. Called by Scan after the built-in rounds find nothing.
func ScanOverlay(canonical string) (Match, bool) {
	for _, round := range overlay {
		for _, p := range round.patterns {
			pattern := p.pattern
			if round.caseFold {
				pattern = "(?i)" + pattern
			}
			matched, err := SafeMatch(pattern, canonical, matchTimeout)
			if err != nil || !matched {
				continue
			}
			return Match{
				Name:          p.name,
				Severity:      p.severity,
				ViolationType: round.violationType,
				Confidence:    round.confidence,
				Category:      round.category,
				Pattern:       p.pattern,
			}, true
		}
	}
	return Match{}, false
}
