package toolapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	catalogassets "github.com/3leaps/cycjobs/internal/assets/catalog"
	"gopkg.in/yaml.v3"
)

// LoadCatalog reads and validates a tool catalog from path. An empty path
// loads the embedded default catalog.
//
// The file format is determined by extension: .json for JSON, anything else
// is parsed as YAML (a superset of JSON).
func LoadCatalog(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return LoadCatalogBytes(catalogassets.DefaultCatalog, catalogassets.DefaultCatalogName)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("catalog file not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading catalog: %s", path)
		}
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return LoadCatalogBytes(data, path)
}

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() (*Catalog, error) {
	return LoadCatalog("")
}

// LoadCatalogBytes parses and validates a catalog from raw bytes. The path
// is used for error messages and format detection.
//
// Validation runs on the raw document before decoding into the typed struct
// so unknown fields are rejected rather than silently dropped.
func LoadCatalogBytes(data []byte, path string) (*Catalog, error) {
	if len(data) == 0 {
		return nil, errors.New("catalog file is empty")
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var c Catalog
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("invalid JSON in catalog: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid YAML in catalog: %w", err)
	}

	if c.Server.Name == "" {
		c.Server.Name = "cycpep-tools"
	}
	if err := c.index(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}

func toJSON(data []byte, path string) ([]byte, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in catalog: %w", err)
		}
		return data, nil
	}

	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in catalog: %w", err)
	}
	out, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert catalog to JSON: %w", err)
	}
	return out, nil
}
