package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Catalog is the YAML document describing the operations each connected
// provider exposes. Loaded at startup to seed the registry.
type Catalog struct {
	Providers []CatalogProvider `yaml:"providers"`
}

// CatalogProvider is one provider's section of the catalog.
type CatalogProvider struct {
	ID         string      `yaml:"id"`
	Operations []Operation `yaml:"operations"`
}

// LoadCatalogFile reads a catalog YAML file and registers every provider's
// operations.
func LoadCatalogFile(path string, reg *Registry) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("registry: read catalog %s: %w", path, err)
	}

	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return fmt.Errorf("registry: parse catalog %s: %w", path, err)
	}

	for _, p := range catalog.Providers {
		if p.ID == "" {
			return fmt.Errorf("registry: catalog provider with empty id")
		}
		if err := reg.Register(p.ID, p.Operations); err != nil {
			return fmt.Errorf("registry: catalog provider %q: %w", p.ID, err)
		}
	}
	return nil
}
