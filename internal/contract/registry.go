package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// ErrUnknownSkill is returned by Get for a name with no loaded contract.
var ErrUnknownSkill = errors.New("unknown skill")

// Registry holds the immutable set of loaded contracts.
type Registry struct {
	contracts map[string]*Contract
	schemas   *gocache.Cache
}

// Load parses every contract document under dir (*.yaml, *.yml, *.json),
// validates each in isolation, and cross-checks the set. Any nonconforming
// document rejects the whole load.
func Load(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read contracts dir: %w", err)
	}

	r := &Registry{
		contracts: make(map[string]*Contract),
		schemas:   gocache.New(gocache.NoExpiration, 0),
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		c, err := parseFile(path, ext)
		if err != nil {
			return nil, err
		}
		if _, dup := r.contracts[c.Name]; dup {
			return nil, fmt.Errorf("duplicate contract %q (file %s)", c.Name, entry.Name())
		}
		r.contracts[c.Name] = c
	}

	if errs := r.ValidateAll(); len(errs) > 0 {
		return nil, fmt.Errorf("contract validation failed: %w", errors.Join(errs...))
	}

	log.Debug().Int("contracts", len(r.contracts)).Str("dir", dir).Msg("contract registry loaded")
	return r, nil
}

func parseFile(path, ext string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read contract %s: %w", path, err)
	}
	var c Contract
	if ext == ".json" {
		err = json.Unmarshal(data, &c)
	} else {
		err = yaml.Unmarshal(data, &c)
	}
	if err != nil {
		return nil, fmt.Errorf("parse contract %s: %w", path, err)
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("contract %s: %w", path, err)
	}
	return &c, nil
}

// Get returns the contract for name, or ErrUnknownSkill.
func (r *Registry) Get(name string) (*Contract, error) {
	c, ok := r.contracts[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSkill, name)
	}
	return c, nil
}

// Names returns all loaded contract names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.contracts))
	for name := range r.contracts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateAll runs cross-contract checks over the loaded set and returns every
// violation found.
func (r *Registry) ValidateAll() []error {
	var errs []error
	for _, name := range r.Names() {
		c := r.contracts[name]
		for _, dep := range c.DependsOn {
			if _, ok := r.contracts[dep]; !ok {
				errs = append(errs, fmt.Errorf("contract %q: depends_on references unknown skill %q", c.Name, dep))
			}
		}
		if _, err := r.compileSchema(c.Name+":input", c.InputSchema); err != nil {
			errs = append(errs, fmt.Errorf("contract %q: input_schema: %w", c.Name, err))
		}
		if _, err := r.compileSchema(c.Name+":output", c.OutputSchema); err != nil {
			errs = append(errs, fmt.Errorf("contract %q: output_schema: %w", c.Name, err))
		}
		if len(c.InteractionOutcomes.InputRequestJSONSchema) > 0 {
			if _, err := r.compileSchema(c.Name+":input_request", c.InteractionOutcomes.InputRequestJSONSchema); err != nil {
				errs = append(errs, fmt.Errorf("contract %q: input_request_jsonschema: %w", c.Name, err))
			}
		}
	}
	return errs
}

// ValidateInput checks inputs against the contract's input schema. A contract
// with no declared schema accepts anything.
func (r *Registry) ValidateInput(c *Contract, inputs map[string]any) error {
	return r.validateDocument(c.Name+":input", c.InputSchema, inputs)
}

// ValidateOutput checks skill outputs against the contract's output schema.
func (r *Registry) ValidateOutput(c *Contract, outputs map[string]any) error {
	return r.validateDocument(c.Name+":output", c.OutputSchema, outputs)
}

func (r *Registry) validateDocument(key string, schema map[string]any, doc map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	compiled, err := r.compileSchema(key, schema)
	if err != nil {
		return err
	}
	result, err := compiled.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("validate against schema: %w", err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, schemaErr := range result.Errors() {
		msgs = append(msgs, schemaErr.String())
	}
	sort.Strings(msgs)
	return fmt.Errorf("schema validation failed: %s", strings.Join(msgs, "; "))
}

// compileSchema compiles and caches a JSON schema. Compiled schemas live for
// the registry's lifetime; contracts are immutable after load.
func (r *Registry) compileSchema(key string, schema map[string]any) (*gojsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	if cached, ok := r.schemas.Get(key); ok {
		return cached.(*gojsonschema.Schema), nil
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	r.schemas.Set(key, compiled, gocache.NoExpiration)
	return compiled, nil
}
