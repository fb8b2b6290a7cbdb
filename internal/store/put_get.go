package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"codeforge/internal/artifact"
	"codeforge/internal/errs"
)

// Put stores candidate, assigning created_at if unset, and is idempotent
// on candidate.ID (spec §4.A "put is idempotent on id"). It registers the
// artifact, its tags, and its embedding in one transaction so that any
// find_similar call issued after Put returns sees it (spec §4.A/§8
// property 4, read-your-writes).
func (s *Store) Put(ctx context.Context, candidate artifact.Artifact) (string, error) {
	if candidate.ID == "" {
		candidate.ID = artifact.ComputeID(candidate.Source, candidate.Kind, candidate.ToolRefs, candidate.Interface)
	}
	if candidate.CreatedAt.IsZero() {
		candidate.CreatedAt = now()
	}
	if candidate.QualityScore == 0 {
		candidate.QualityScore = artifact.QualityFloor
	}

	body, err := json.Marshal(candidate)
	if err != nil {
		return "", fmt.Errorf("store: marshal artifact: %w", err)
	}
	tagsJSON, _ := json.Marshal(candidate.Tags)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: begin put tx: %w: %w", errs.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO artifacts (id, kind, namespace, body) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET body = excluded.body`,
		candidate.ID, string(candidate.Kind), candidate.Namespace, string(body)); err != nil {
		return "", fmt.Errorf("store: put artifact: %w: %w", errs.ErrStorageUnavailable, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM tags WHERE artifact_id = ?`, candidate.ID); err != nil {
		return "", fmt.Errorf("store: clear tags: %w: %w", errs.ErrStorageUnavailable, err)
	}
	for _, tag := range candidate.Tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO tags (tag, artifact_id) VALUES (?, ?)`, tag, candidate.ID); err != nil {
			return "", fmt.Errorf("store: put tag: %w: %w", errs.ErrStorageUnavailable, err)
		}
	}

	if len(candidate.Embedding) > 0 {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO vectors (artifact_id, kind, tags, embedding) VALUES (?, ?, ?, ?)
			 ON CONFLICT(artifact_id) DO UPDATE SET kind = excluded.kind, tags = excluded.tags, embedding = excluded.embedding`,
			candidate.ID, string(candidate.Kind), string(tagsJSON), encodeEmbedding(candidate.Embedding)); err != nil {
			return "", fmt.Errorf("store: put vector: %w: %w", errs.ErrStorageUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: commit put: %w: %w", errs.ErrStorageUnavailable, err)
	}

	if len(candidate.Embedding) > 0 {
		s.mu.Lock()
		s.vecCache[candidate.ID] = vecEntry{embedding: candidate.Embedding, kind: candidate.Kind, tags: candidate.Tags}
		s.mu.Unlock()
	}

	return candidate.ID, nil
}

// Get returns the artifact with id, or (zero, nil) if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*artifact.Artifact, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM artifacts WHERE id = ?`, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %s: %w: %w", id, errs.ErrStorageUnavailable, err)
	}
	var a artifact.Artifact
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return nil, fmt.Errorf("store: decode %s: %w", id, err)
	}
	return &a, nil
}

// FindByTags returns up to limit artifacts carrying every tag in tags
// (spec §4.A find_by_tags).
func (s *Store) FindByTags(ctx context.Context, tags []string, limit int) ([]artifact.Artifact, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	placeholders := ""
	args := make([]any, 0, len(tags)+1)
	for i, t := range tags {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, t)
	}
	query := fmt.Sprintf(`
		SELECT a.body FROM artifacts a
		WHERE a.id IN (
			SELECT artifact_id FROM tags WHERE tag IN (%s)
			GROUP BY artifact_id HAVING COUNT(DISTINCT tag) = ?
		)
		LIMIT ?`, placeholders)
	args = append(args, len(tags), limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: find by tags: %w: %w", errs.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []artifact.Artifact
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var a artifact.Artifact
		if err := json.Unmarshal([]byte(body), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Similar is one find_similar result: the artifact plus its similarity
// to the query (spec §4.A).
type Similar struct {
	Artifact   artifact.Artifact
	Similarity float64
}

// FindSimilarOpts filters a find_similar call (spec §4.A).
type FindSimilarOpts struct {
	Kind     artifact.Kind   // empty = any kind
	Kinds    []artifact.Kind // non-empty = candidate's kind must be one of these; combines with Kind
	Tags     []string        // empty = no tag filter
	TopK     int
	MinScore float64
}

func (o FindSimilarOpts) allowsKind(k artifact.Kind) bool {
	if o.Kind != "" && k != o.Kind {
		return false
	}
	if len(o.Kinds) == 0 {
		return true
	}
	for _, allowed := range o.Kinds {
		if k == allowed {
			return true
		}
	}
	return false
}

// FindSimilar ranks the in-memory vector cache by similarity*quality_score,
// descending, filtered by kind/tags/min_score (spec §4.A). Because Put
// updates the cache synchronously before returning, any FindSimilar
// issued afterward (even within the same request) observes the write.
// Kind filtering happens here, before TopK is applied, so a caller asking
// for "top-k with kind in {a, b}" gets the top-k among matching artifacts,
// not the top-k overall with non-matching ones later discarded.
func (s *Store) FindSimilar(ctx context.Context, query []float32, opts FindSimilarOpts) ([]Similar, error) {
	s.mu.RLock()
	candidates := make([]string, 0, len(s.vecCache))
	for id, entry := range s.vecCache {
		if !opts.allowsKind(entry.kind) {
			continue
		}
		if len(opts.Tags) > 0 && !hasAllTags(entry.tags, opts.Tags) {
			continue
		}
		candidates = append(candidates, id)
	}
	entries := make(map[string]vecEntry, len(candidates))
	for _, id := range candidates {
		entries[id] = s.vecCache[id]
	}
	s.mu.RUnlock()

	type scored struct {
		id   string
		sim  float64
		full artifact.Artifact
	}
	var results []scored
	for _, id := range candidates {
		sim := CosineSimilarity(query, entries[id].embedding)
		if sim < opts.MinScore {
			continue
		}
		a, err := s.Get(ctx, id)
		if err != nil || a == nil {
			continue
		}
		results = append(results, scored{id: id, sim: sim, full: *a})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].sim*results[i].full.QualityScore > results[j].sim*results[j].full.QualityScore
	})

	topK := opts.TopK
	if topK <= 0 || topK > len(results) {
		topK = len(results)
	}
	out := make([]Similar, 0, topK)
	for _, r := range results[:topK] {
		out = append(out, Similar{Artifact: r.full, Similarity: r.sim})
	}
	return out, nil
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, t := range have {
		set[t] = struct{}{}
	}
	for _, w := range want {
		if _, ok := set[w]; !ok {
			return false
		}
	}
	return true
}

// UpdateUsage increments usage_count and bumps last_used_at (spec §4.A).
func (s *Store) UpdateUsage(ctx context.Context, id string) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("store: update usage: artifact %s not found", id)
	}
	a.UsageCount++
	a.LastUsedAt = now()
	_, err = s.Put(ctx, *a)
	return err
}

// Promote atomically sets the namespace head to id with a single upsert
// (spec §3.2/§5: readers see the old or the new head, never a torn
// state). It does not check which artifact was head before.
func (s *Store) Promote(ctx context.Context, namespace, id string) error {
	target, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if target == nil {
		return fmt.Errorf("store: promote: artifact %s not found", id)
	}
	if !target.TestResults.Pass {
		return fmt.Errorf("store: promote: artifact %s has not passed tests", id)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO namespace_heads (namespace, artifact_id) VALUES (?, ?)
		 ON CONFLICT(namespace) DO UPDATE SET artifact_id = excluded.artifact_id`,
		namespace, id)
	if err != nil {
		return fmt.Errorf("store: promote: %w: %w", errs.ErrStorageUnavailable, err)
	}
	return nil
}

// Head returns the promoted artifact id for namespace, or "" if none.
func (s *Store) Head(ctx context.Context, namespace string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT artifact_id FROM namespace_heads WHERE namespace = ?`, namespace).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: head %s: %w: %w", namespace, errs.ErrStorageUnavailable, err)
	}
	return id, nil
}

// Retire marks id as superseded by supersededBy. The retired artifact is
// never deleted synchronously (spec §3.1 lifecycle).
func (s *Store) Retire(ctx context.Context, id, supersededBy string) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if a == nil {
		return fmt.Errorf("store: retire: artifact %s not found", id)
	}
	a.SupersededBy = supersededBy
	_, err = s.Put(ctx, *a)
	return err
}

// Clear wipes every artifact, tag, vector, and namespace head from the
// store and drops the in-memory vector cache, for the forge CLI's "clear"
// subcommand (spec §6.3: "wipe store (confirmation required)" — the
// confirmation itself is the caller's responsibility).
func (s *Store) Clear(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin clear tx: %w: %w", errs.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	for _, table := range []string{"artifacts", "tags", "vectors", "namespace_heads"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("store: clear %s: %w: %w", table, errs.ErrStorageUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit clear: %w: %w", errs.ErrStorageUnavailable, err)
	}

	s.mu.Lock()
	s.vecCache = make(map[string]vecEntry)
	s.mu.Unlock()
	return nil
}

// ListNamespaces returns every distinct namespace with at least one
// artifact, for the Background Optimizer's offline sweep (spec §4.M).
func (s *Store) ListNamespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT namespace FROM artifacts WHERE namespace != ''`)
	if err != nil {
		return nil, fmt.Errorf("store: list namespaces: %w: %w", errs.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ns string
		if err := rows.Scan(&ns); err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

// ListByNamespace returns every artifact in namespace, including retired
// ones, for the Background Optimizer to re-score and compare against the
// current head.
func (s *Store) ListByNamespace(ctx context.Context, namespace string) ([]artifact.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM artifacts WHERE namespace = ?`, namespace)
	if err != nil {
		return nil, fmt.Errorf("store: list by namespace: %w: %w", errs.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []artifact.Artifact
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var a artifact.Artifact
		if err := json.Unmarshal([]byte(body), &a); err != nil {
			continue
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
