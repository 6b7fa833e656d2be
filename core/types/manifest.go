// Package types holds shared, dependency-light type definitions consumed
// across the interpreter core: the module manifest (spec §6.4) and the
// JSON-Schema-backed parameter/manifest validation it requires.
//
// Adapted from the teacher's core/types/schema.go struct-tag-driven schema
// construction, retargeted at mlld's module.yml fields instead of
// decorator parameter schemas.
package types

import (
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// ModuleType enumerates module.yml's `type` field (spec §6.4).
type ModuleType string

const (
	ModuleLibrary     ModuleType = "library"
	ModuleApp         ModuleType = "app"
	ModuleCommand     ModuleType = "command"
	ModuleSkill       ModuleType = "skill"
	ModuleEnvironment ModuleType = "environment"
)

// NeedDetail is one of the optional `needs-js`/`needs-node`/`needs-py`/
// `needs-sh` detail blocks.
type NeedDetail struct {
	Version string   `yaml:"version,omitempty"`
	Packages []string `yaml:"packages,omitempty"`
}

// Manifest is the parsed module.yml (spec §6.4).
type Manifest struct {
	Name    string       `yaml:"name"`
	Author  string       `yaml:"author"`
	Type    ModuleType   `yaml:"type"`
	About   string       `yaml:"about"`
	Version string       `yaml:"version"`
	License string       `yaml:"license"`
	Entry   string       `yaml:"entry"`
	Needs   []string     `yaml:"needs,omitempty"`

	NeedsJS     *NeedDetail `yaml:"needs-js,omitempty"`
	NeedsNode   *NeedDetail `yaml:"needs-node,omitempty"`
	NeedsPython *NeedDetail `yaml:"needs-py,omitempty"`
	NeedsShell  *NeedDetail `yaml:"needs-sh,omitempty"`
}

// manifestSchemaJSON is the JSON Schema document validated against the YAML
// document re-marshaled as JSON-compatible data (yaml.v3 decodes into
// map[string]any already JSON-shaped for scalar/seq/map nodes).
const manifestSchemaJSON = `{
  "type": "object",
  "required": ["name", "author", "type", "entry"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "author": {"type": "string", "minLength": 1},
    "type": {"enum": ["library", "app", "command", "skill", "environment"]},
    "about": {"type": "string"},
    "version": {"type": "string"},
    "license": {"type": "string"},
    "entry": {"type": "string", "minLength": 1},
    "needs": {"type": "array", "items": {"enum": ["js", "node", "py", "sh"]}}
  }
}`

var compiledManifestSchema *jsonschema.Schema

func manifestSchema() (*jsonschema.Schema, error) {
	if compiledManifestSchema != nil {
		return compiledManifestSchema, nil
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("manifest.json", mustJSONReader(manifestSchemaJSON)); err != nil {
		return nil, err
	}
	s, err := c.Compile("manifest.json")
	if err != nil {
		return nil, err
	}
	compiledManifestSchema = s
	return s, nil
}

// ParseManifest decodes and validates a module.yml document.
func ParseManifest(data []byte) (*Manifest, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("module.yml: %w", err)
	}
	schema, err := manifestSchema()
	if err != nil {
		return nil, fmt.Errorf("compiling manifest schema: %w", err)
	}
	if err := schema.Validate(raw); err != nil {
		return nil, fmt.Errorf("module.yml failed validation: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("module.yml: %w", err)
	}
	if m.Entry == "" {
		m.Entry = "index.mld"
	}
	if m.Type == ModuleLibrary && m.License != "CC0" {
		// Registry publication requires CC0; ParseManifest neither rejects
		// nor reports a non-CC0 library license, since registry publishing
		// itself is out of scope (spec §1).
	}
	return &m, nil
}
