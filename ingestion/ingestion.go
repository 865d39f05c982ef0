package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"langtest-server/db"
	"langtest-server/models"
)

// referenceFile is the layout of reference_data.yaml. Omitted "active" means active.
type referenceFile struct {
	Languages []struct {
		Code   string `yaml:"code"`
		Name   string `yaml:"name"`
		Active *bool  `yaml:"active"`
	} `yaml:"languages"`
	TestTypes []struct {
		Name        string `yaml:"name"`
		Description string `yaml:"description"`
		Active      *bool  `yaml:"active"`
	} `yaml:"test_types"`
}

func active(flag *bool) bool {
	return flag == nil || *flag
}

// LoadReferenceData reads the reference file at path. A missing file yields the built-in defaults.
func LoadReferenceData(path string) (models.ReferenceData, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Printf("Reference file %s not found, using built-in defaults", path)
		return db.DefaultReferenceData(), nil
	}
	if err != nil {
		return models.ReferenceData{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return ParseReferenceData(raw)
}

// ParseReferenceData decodes and validates reference YAML.
func ParseReferenceData(raw []byte) (models.ReferenceData, error) {
	var file referenceFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return models.ReferenceData{}, fmt.Errorf("failed to parse reference data: %w", err)
	}

	var data models.ReferenceData
	seen := map[string]bool{}
	for i, l := range file.Languages {
		code := strings.TrimSpace(l.Code)
		name := strings.TrimSpace(l.Name)
		if code == "" || name == "" {
			return models.ReferenceData{}, fmt.Errorf("language %d: code and name are required", i+1)
		}
		if seen["lang:"+code] {
			return models.ReferenceData{}, fmt.Errorf("language %q listed twice", code)
		}
		seen["lang:"+code] = true
		data.Languages = append(data.Languages, models.Language{Code: code, Name: name, IsActive: active(l.Active)})
	}
	for i, t := range file.TestTypes {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return models.ReferenceData{}, fmt.Errorf("test type %d: name is required", i+1)
		}
		if seen["type:"+name] {
			return models.ReferenceData{}, fmt.Errorf("test type %q listed twice", name)
		}
		seen["type:"+name] = true
		data.TestTypes = append(data.TestTypes, models.TestType{
			Name:        name,
			Description: strings.TrimSpace(t.Description),
			IsActive:    active(t.Active),
		})
	}
	return data, nil
}

// SyncReferenceData upserts the reference file into the store. Rows missing from the file are
// left as they are.
func SyncReferenceData(ctx context.Context, store db.Store, path string) (models.ReferenceData, error) {
	data, err := LoadReferenceData(path)
	if err != nil {
		return data, err
	}
	if err := db.SeedReferenceData(ctx, store, data); err != nil {
		return data, err
	}
	log.Printf("Synced reference data: %d languages, %d test types", len(data.Languages), len(data.TestTypes))
	return data, nil
}
