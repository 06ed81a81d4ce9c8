// Package catalog holds the set of trackable packages. A built-in catalog is
// embedded in the binary; users may add or replace entries with a JSON or YAML
// file. Both are validated against the embedded JSON schema before use.
package catalog

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"sigs.k8s.io/yaml"

	"github.com/3leaps/apkfetch/internal/model"
)

//go:embed catalog.json
var embeddedCatalogJSON []byte

//go:embed catalog.schema.json
var embeddedSchemaJSON []byte

const schemaURL = "catalog.schema.json"

type document struct {
	Version  int                     `json:"version"`
	Packages []model.PackageIdentity `json:"packages"`
}

// Catalog is an immutable, name-indexed set of package identities.
type Catalog struct {
	byName map[string]model.PackageIdentity
}

var (
	builtinOnce sync.Once
	builtin     *Catalog
	builtinErr  error

	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

// Builtin returns the embedded catalog.
func Builtin() (*Catalog, error) {
	builtinOnce.Do(func() {
		builtin, builtinErr = Parse(embeddedCatalogJSON, "embedded catalog")
	})
	return builtin, builtinErr
}

// Load reads a catalog file. Files ending in .yaml or .yml are converted to JSON
// first.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.YAMLToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("convert %s to json: %w", path, err)
		}
	}
	return Parse(data, path)
}

// Parse validates data against the catalog schema and the semantic rules that a
// schema cannot express, then builds a Catalog.
func Parse(data []byte, origin string) (*Catalog, error) {
	sch, err := compiledSchema()
	if err != nil {
		return nil, err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", origin, err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", origin, err)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", origin, err)
	}
	if err := validate(doc.Packages); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", origin, err)
	}

	c := &Catalog{byName: make(map[string]model.PackageIdentity, len(doc.Packages))}
	for _, p := range doc.Packages {
		c.byName[p.Name] = p
	}
	return c, nil
}

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(embeddedSchemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("parse catalog schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("add catalog schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
	})
	return schema, schemaErr
}

func validate(pkgs []model.PackageIdentity) error {
	var result *multierror.Error
	names := map[string]bool{}
	packageNames := map[string]string{}

	for i, p := range pkgs {
		where := fmt.Sprintf("packages[%d] (%s)", i, p.Name)
		if names[p.Name] {
			result = multierror.Append(result, fmt.Errorf("%s: duplicate name", where))
		}
		names[p.Name] = true
		if other, ok := packageNames[p.PackageName]; ok {
			result = multierror.Append(result, fmt.Errorf("%s: package name %s already used by %s", where, p.PackageName, other))
		}
		packageNames[p.PackageName] = p.Name

		for _, abi := range p.SupportedABIs {
			if _, ok := p.AssetPatterns[string(abi)]; !ok {
				if _, ok := p.AssetPatterns["*"]; !ok {
					result = multierror.Append(result, fmt.Errorf("%s: no asset pattern for %s", where, abi))
				}
			}
		}
		for key, pattern := range p.AssetPatterns {
			expr, ok := strings.CutPrefix(pattern, "re:")
			if !ok {
				continue
			}
			if _, err := regexp.Compile(strings.ReplaceAll(expr, "{{abi}}", "abi")); err != nil {
				result = multierror.Append(result, fmt.Errorf("%s: asset pattern %s: %w", where, key, err))
			}
		}
	}
	return result.ErrorOrNil()
}

// Merge returns a catalog holding c's entries with those of override added or
// replaced by name.
func (c *Catalog) Merge(override *Catalog) *Catalog {
	merged := &Catalog{byName: make(map[string]model.PackageIdentity, len(c.byName)+len(override.byName))}
	for name, p := range c.byName {
		merged.byName[name] = p
	}
	for name, p := range override.byName {
		merged.byName[name] = p
	}
	return merged
}

func (c *Catalog) Get(name string) (model.PackageIdentity, bool) {
	p, ok := c.byName[name]
	return p, ok
}

// Lookup is Get with an error listing the known names.
func (c *Catalog) Lookup(name string) (model.PackageIdentity, error) {
	if p, ok := c.byName[name]; ok {
		return p, nil
	}
	return model.PackageIdentity{}, fmt.Errorf("unknown package %q (known: %s)", name, strings.Join(c.Names(), ", "))
}

// Names returns the package names in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.byName))
	for name := range c.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the identities sorted by name.
func (c *Catalog) All() []model.PackageIdentity {
	out := make([]model.PackageIdentity, 0, len(c.byName))
	for _, name := range c.Names() {
		out = append(out, c.byName[name])
	}
	return out
}
