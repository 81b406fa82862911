package connection

import (
	"fmt"
	"maps"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/toolkit-auth/internal/cache"
)

// Feature is something inside the toolkit that needs an identity.
type Feature struct {
	ID              string   `yaml:"-"`
	RequiredScopes  []string `yaml:"required_scopes"`
	SupportsClassic bool     `yaml:"supports_classic"`
}

// Catalog maps feature ids to their requirements.
type Catalog map[string]Feature

// catalogFile is the layout of FEATURES_FILE.
type catalogFile struct {
	Features map[string]Feature `yaml:"features"`
}

// DefaultCatalog is the built-in feature set.
func DefaultCatalog() Catalog {
	return Catalog{
		"codewhisperer": {
			ID: "codewhisperer",
			RequiredScopes: []string{
				"codewhisperer:completions",
				"codewhisperer:analysis",
				"codewhisperer:conversations",
			},
		},
		"codecatalyst": {
			ID:             "codecatalyst",
			RequiredScopes: []string{"codecatalyst:read_write"},
		},
		"explorer": {
			ID:              "explorer",
			RequiredScopes:  []string{"sso:account:access"},
			SupportsClassic: true,
		},
	}
}

// LoadCatalog returns the built-in catalog with the entries from path
// layered on top. An empty path yields the defaults.
func LoadCatalog(path string) (Catalog, error) {
	catalog := DefaultCatalog()

	if path != "" {
		if err := catalog.overlay(path); err != nil {
			return nil, err
		}
	}

	for id, feat := range catalog {
		feat.RequiredScopes = cache.NormalizeScopes(feat.RequiredScopes)
		catalog[id] = feat
	}

	return catalog, nil
}

func (c Catalog) overlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading feature catalog: %w", err)
	}

	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing feature catalog %s: %w", path, err)
	}

	for id, feat := range f.Features {
		if id == "" {
			return fmt.Errorf("feature catalog %s: empty feature id", path)
		}

		feat.ID = id
		c[id] = feat
	}

	return nil
}

// IDs returns the feature ids in sorted order.
func (c Catalog) IDs() []string {
	return slices.Sorted(maps.Keys(c))
}
