package contextstore

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"agentd/internal/findings"
)

//go:embed schema/*.schema.json
var schemaFS embed.FS

const (
	tierSchemaURL  = "https://agentd.dev/schema/tier.schema.json"
	indexSchemaURL = "https://agentd.dev/schema/index.schema.json"
)

var (
	schemaOnce  sync.Once
	tierSchema  *jsonschema.Schema
	indexSchema *jsonschema.Schema
	schemaErr   error
)

func loadSchemas() error {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020

		for url, name := range map[string]string{
			tierSchemaURL:  "schema/tier.schema.json",
			indexSchemaURL: "schema/index.schema.json",
		} {
			data, err := schemaFS.ReadFile(name)
			if err != nil {
				schemaErr = fmt.Errorf("read %s: %w", name, err)
				return
			}
			if err := compiler.AddResource(url, bytes.NewReader(data)); err != nil {
				schemaErr = fmt.Errorf("add schema resource %s: %w", name, err)
				return
			}
		}

		if tierSchema, schemaErr = compiler.Compile(tierSchemaURL); schemaErr != nil {
			return
		}
		indexSchema, schemaErr = compiler.Compile(indexSchemaURL)
	})
	return schemaErr
}

func validateDocument(schema func() *jsonschema.Schema, data []byte) error {
	if err := loadSchemas(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if err := schema().Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	return nil
}

// ValidateTierDocument checks data against the tier file schema.
func ValidateTierDocument(data []byte) error {
	return validateDocument(func() *jsonschema.Schema { return tierSchema }, data)
}

// ValidateIndexDocument checks data against the index file schema.
func ValidateIndexDocument(data []byte) error {
	return validateDocument(func() *jsonschema.Schema { return indexSchema }, data)
}

// CheckFiles validates every tier file and the index under dir against their
// schemas. Missing files are not an error.
func CheckFiles(dir string) error {
	var errs []error

	check := func(path string, validate func([]byte) error) {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return
		}
		if err != nil {
			errs = append(errs, err)
			return
		}
		if err := validate(data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", filepath.Base(path), err))
		}
	}

	for _, tier := range findings.Tiers {
		check(tierPath(dir, tier), ValidateTierDocument)
	}
	check(filepath.Join(dir, IndexFile), ValidateIndexDocument)

	return errors.Join(errs...)
}
