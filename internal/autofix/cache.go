package autofix

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"codeforge/internal/artifact"
	"codeforge/internal/errs"
	"codeforge/internal/logging"
)

// Context carries the scope filter spec §4.G's lookup() accepts:
// {file_pattern, tool_id?, tags}.
type Context struct {
	FilePattern string
	ToolID      string
	Tags        []string
}

// Cache is the Auto-Fix Cache (spec §4.G). It shares the Artifact
// Store's SQLite connection (SPEC_FULL.md: "a second table alongside the
// Artifact Store's database") rather than opening a file of its own.
type Cache struct {
	db  *sql.DB
	log *zap.Logger

	ageDecayEnabled bool

	mu    sync.RWMutex
	cache map[string][]artifact.FixPattern // error_signature key -> fixes, read-through on warm
}

// Option configures a Cache.
type Option func(*Cache)

// WithAgeDecay enables the score × 1/(1+age_days/30) decay term.
func WithAgeDecay(enabled bool) Option {
	return func(c *Cache) { c.ageDecayEnabled = enabled }
}

// Open creates the fixes table (if absent) on db, the same handle
// internal/store.Store.DB returns, and warms the in-process index.
func Open(ctx context.Context, db *sql.DB, logger *zap.Logger, opts ...Option) (*Cache, error) {
	if logger == nil {
		logger = logging.Noop()
	}
	c := &Cache{db: db, log: logging.For(logger, logging.CategoryAutofix), cache: make(map[string][]artifact.FixPattern)}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.migrate(ctx); err != nil {
		return nil, err
	}
	if err := c.warm(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) migrate(ctx context.Context) error {
	const stmt = `CREATE TABLE IF NOT EXISTS fixes (
		id TEXT PRIMARY KEY,
		error_kind TEXT NOT NULL,
		normalized_message TEXT NOT NULL,
		error_site_hash TEXT NOT NULL,
		broken_fingerprint TEXT NOT NULL,
		patch_transform TEXT NOT NULL,
		file_pattern TEXT NOT NULL,
		tool_id TEXT NOT NULL,
		tags TEXT NOT NULL,
		usage_count INTEGER NOT NULL DEFAULT 0,
		success_rate REAL NOT NULL DEFAULT 0,
		last_used_at TEXT NOT NULL
	)`
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("autofix: migrate: %w: %w", errs.ErrStorageUnavailable, err)
	}
	if _, err := c.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_fixes_signature ON fixes(error_kind, normalized_message, error_site_hash)"); err != nil {
		return fmt.Errorf("autofix: migrate index: %w: %w", errs.ErrStorageUnavailable, err)
	}
	return nil
}

func sigKey(sig artifact.ErrorSignature) string {
	return sig.ErrorKind + "\x00" + sig.NormalizedMessage + "\x00" + sig.ErrorSiteHash
}

func (c *Cache) warm(ctx context.Context) error {
	rows, err := c.db.QueryContext(ctx, "SELECT "+selectCols+" FROM fixes")
	if err != nil {
		return fmt.Errorf("autofix: warm: %w: %w", errs.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	for rows.Next() {
		fix, sig, err := scanFix(rows)
		if err != nil {
			return err
		}
		key := sigKey(sig)
		c.cache[key] = append(c.cache[key], fix)
	}
	return rows.Err()
}

const selectCols = `id, error_kind, normalized_message, error_site_hash, broken_fingerprint,
	patch_transform, file_pattern, tool_id, tags, usage_count, success_rate, last_used_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFix(r rowScanner) (artifact.FixPattern, artifact.ErrorSignature, error) {
	var fix artifact.FixPattern
	var sig artifact.ErrorSignature
	var tagsJSON, lastUsed string
	if err := r.Scan(&fix.ID, &sig.ErrorKind, &sig.NormalizedMessage, &sig.ErrorSiteHash,
		&fix.BrokenFingerprint, &fix.PatchTransform, &fix.Scope.FilePattern, &fix.Scope.ToolID,
		&tagsJSON, &fix.UsageCount, &fix.SuccessRate, &lastUsed); err != nil {
		return artifact.FixPattern{}, artifact.ErrorSignature{}, fmt.Errorf("autofix: scan: %w", err)
	}
	_ = json.Unmarshal([]byte(tagsJSON), &fix.Scope.Tags)
	if t, err := time.Parse(time.RFC3339Nano, lastUsed); err == nil {
		fix.LastUsedAt = t
	}
	fix.ErrorSignature = sig
	return fix, sig, nil
}

// Lookup implements spec §4.G's lookup(error_signature, context) -> [fix],
// filtered by scope and ranked by the §4.G formula against how similar
// brokenSource is to each candidate's learned fingerprint. topK bounds
// the result to the top-scoring candidates (spec: "try top-K, default 3").
func (c *Cache) Lookup(_ context.Context, sig artifact.ErrorSignature, lookupCtx Context, brokenSource string, topK int) []artifact.FixPattern {
	c.mu.RLock()
	candidates := append([]artifact.FixPattern(nil), c.cache[sigKey(sig)]...)
	c.mu.RUnlock()

	filtered := make([]artifact.FixPattern, 0, len(candidates))
	for _, f := range candidates {
		if inScope(f.Scope, lookupCtx) {
			filtered = append(filtered, f)
		}
	}

	ranked := rankCandidates(filtered, Fingerprint(brokenSource), c.ageDecayEnabled)
	if topK > 0 && len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked
}

func inScope(scope artifact.FixScope, ctx Context) bool {
	if scope.ToolID != "" && ctx.ToolID != "" && scope.ToolID != ctx.ToolID {
		return false
	}
	if scope.FilePattern != "" && ctx.FilePattern != "" {
		if ok, err := filepath.Match(scope.FilePattern, ctx.FilePattern); err == nil && !ok {
			return false
		}
	}
	if len(scope.Tags) > 0 && len(ctx.Tags) > 0 {
		want := make(map[string]bool, len(scope.Tags))
		for _, t := range scope.Tags {
			want[t] = true
		}
		match := false
		for _, t := range ctx.Tags {
			if want[t] {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	return true
}

// StoreNovel persists a newly-confirmed fix (spec §4.G: "Fixes are added
// to the cache only after at least one confirmed success"). sig and
// brokenSource describe the failure the fix resolved; transform is the
// value produced by EncodeTransform.
func (c *Cache) StoreNovel(ctx context.Context, sig artifact.ErrorSignature, brokenSource, transform string, scope artifact.FixScope) (artifact.FixPattern, error) {
	fix := artifact.FixPattern{
		ID:                newFixID(),
		ErrorSignature:    sig,
		BrokenFingerprint: Fingerprint(brokenSource),
		PatchTransform:    transform,
		Scope:             scope,
		UsageCount:        1,
		SuccessRate:       1,
		LastUsedAt:        time.Now().UTC(),
	}
	tagsJSON, _ := json.Marshal(scope.Tags)
	_, err := c.db.ExecContext(ctx, `INSERT INTO fixes (`+selectCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		fix.ID, sig.ErrorKind, sig.NormalizedMessage, sig.ErrorSiteHash, fix.BrokenFingerprint,
		fix.PatchTransform, scope.FilePattern, scope.ToolID, string(tagsJSON),
		fix.UsageCount, fix.SuccessRate, fix.LastUsedAt.Format(time.RFC3339Nano))
	if err != nil {
		return artifact.FixPattern{}, fmt.Errorf("autofix: store fix: %w: %w", errs.ErrStorageUnavailable, err)
	}

	c.mu.Lock()
	key := sigKey(sig)
	c.cache[key] = append(c.cache[key], fix)
	c.mu.Unlock()
	c.log.Info("novel fix stored", zap.String("fix_id", fix.ID), zap.String("error_kind", sig.ErrorKind))
	return fix, nil
}

// Record implements spec §4.G's record(fix, success: bool): on success
// usage_count increments and success_rate is nudged up; on failure the
// fix is demoted so the ranker favors other candidates next time.
func (c *Cache) Record(ctx context.Context, fixID string, success bool) error {
	c.mu.Lock()
	var updated artifact.FixPattern
	found := false
	for key, fixes := range c.cache {
		for i, f := range fixes {
			if f.ID != fixID {
				continue
			}
			f.UsageCount++
			f.SuccessRate = nextSuccessRate(f.SuccessRate, f.UsageCount, success)
			f.LastUsedAt = time.Now().UTC()
			fixes[i] = f
			c.cache[key] = fixes
			updated = f
			found = true
		}
	}
	c.mu.Unlock()
	if !found {
		return fmt.Errorf("autofix: record: fix %s not found", fixID)
	}

	_, err := c.db.ExecContext(ctx, `UPDATE fixes SET usage_count = ?, success_rate = ?, last_used_at = ? WHERE id = ?`,
		updated.UsageCount, updated.SuccessRate, updated.LastUsedAt.Format(time.RFC3339Nano), fixID)
	if err != nil {
		return fmt.Errorf("autofix: record: %w: %w", errs.ErrStorageUnavailable, err)
	}
	c.log.Debug("fix recorded", zap.String("fix_id", fixID), zap.Bool("success", success), zap.Float64("success_rate", updated.SuccessRate))
	return nil
}

// nextSuccessRate folds a new outcome into a running success rate using
// a simple incremental mean: rate_n = rate_(n-1) + (outcome - rate_(n-1)) / n.
func nextSuccessRate(prevRate float64, usageCount int64, success bool) float64 {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	if usageCount <= 0 {
		return outcome
	}
	return prevRate + (outcome-prevRate)/float64(usageCount)
}

func newFixID() string {
	return "fix_" + uuid.New().String()
}
