package service

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/noah-isme/engagement-pipeline/internal/models"
)

type policyFile struct {
	Policies []policyEntry `yaml:"policies"`
}

type policyEntry struct {
	Name    string `yaml:"name"`
	Table   string `yaml:"table"`
	Active  string `yaml:"active"`
	Archive string `yaml:"archive"`
	Enabled *bool  `yaml:"enabled"`
}

// DefaultRetentionPolicies apply when no policy file is configured.
func DefaultRetentionPolicies() []models.RetentionPolicy {
	return []models.RetentionPolicy{
		{Name: "events", Table: models.RetentionTableEvents, ActiveRetention: 90 * 24 * time.Hour, ArchiveRetention: 365 * 24 * time.Hour, Enabled: true},
		{Name: "rollups", Table: models.RetentionTableRollups, ActiveRetention: 365 * 24 * time.Hour, ArchiveRetention: 3 * 365 * 24 * time.Hour, Enabled: true},
	}
}

// LoadRetentionPolicies reads policies from a YAML file. A blank path or a missing file yields
// the defaults.
func LoadRetentionPolicies(path string) ([]models.RetentionPolicy, error) {
	if path == "" {
		return DefaultRetentionPolicies(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DefaultRetentionPolicies(), nil
		}
		return nil, fmt.Errorf("read retention policies: %w", err)
	}
	return ParseRetentionPolicies(raw)
}

// ParseRetentionPolicies decodes and validates a YAML policy document.
func ParseRetentionPolicies(raw []byte) ([]models.RetentionPolicy, error) {
	var doc policyFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode retention policies: %w", err)
	}
	if len(doc.Policies) == 0 {
		return nil, fmt.Errorf("retention policy file declares no policies")
	}

	seen := make(map[string]struct{}, len(doc.Policies))
	policies := make([]models.RetentionPolicy, 0, len(doc.Policies))
	for _, entry := range doc.Policies {
		if _, dup := seen[entry.Name]; dup {
			return nil, fmt.Errorf("retention policy %s declared twice", entry.Name)
		}
		seen[entry.Name] = struct{}{}

		active, err := time.ParseDuration(entry.Active)
		if err != nil {
			return nil, fmt.Errorf("policy %s: active: %w", entry.Name, err)
		}
		archive, err := time.ParseDuration(entry.Archive)
		if err != nil {
			return nil, fmt.Errorf("policy %s: archive: %w", entry.Name, err)
		}
		policy := models.RetentionPolicy{
			Name:             entry.Name,
			Table:            models.RetentionTable(entry.Table),
			ActiveRetention:  active,
			ArchiveRetention: archive,
			Enabled:          entry.Enabled == nil || *entry.Enabled,
		}
		if err := policy.Validate(); err != nil {
			return nil, err
		}
		policies = append(policies, policy)
	}
	sortPolicies(policies)
	return policies, nil
}

func sortPolicies(policies []models.RetentionPolicy) {
	sort.Slice(policies, func(i, j int) bool { return policies[i].Name < policies[j].Name })
}
