package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"codeforge/internal/artifact"
)

// loadDescriptors reads every *.json file directly under dir and decodes it
// as an artifact.ToolDescriptor. A directory that does not exist yet (first
// run, before any tool has been registered) yields an empty set rather than
// an error.
func loadDescriptors(dir string) ([]*artifact.ToolDescriptor, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tools: read descriptor dir %s: %w", dir, err)
	}

	descriptors := make([]*artifact.ToolDescriptor, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("tools: read descriptor %s: %w", path, err)
		}
		var d artifact.ToolDescriptor
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("tools: decode descriptor %s: %w", path, err)
		}
		if d.ToolID == "" {
			return nil, fmt.Errorf("tools: descriptor %s missing tool_id", path)
		}
		if d.QualityScore == 0 {
			d.QualityScore = artifact.QualityFloor
		}
		descriptors = append(descriptors, &d)
	}
	return descriptors, nil
}

// writeDescriptor persists d back to dir as <tool_id>.json, used after
// RecordFailure/RecordSuccess mutate a descriptor's quality_score or
// failure_log so the on-disk state survives a restart.
func writeDescriptor(dir string, d *artifact.ToolDescriptor) error {
	if dir == "" {
		return nil
	}
	raw, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("tools: marshal descriptor %s: %w", d.ToolID, err)
	}
	path := filepath.Join(dir, d.ToolID+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("tools: write descriptor %s: %w", path, err)
	}
	return nil
}
