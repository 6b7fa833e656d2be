package types

import (
	"bytes"
	"encoding/json"
	"io"
)

// mustJSONReader adapts a JSON-Schema document literal to the io.Reader
// jsonschema.Compiler.AddResource expects.
func mustJSONReader(doc string) io.Reader {
	var v any
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		panic("invalid embedded json schema: " + err.Error())
	}
	return bytes.NewReader([]byte(doc))
}

// OutputFormat mirrors ast.OutputFormat for the SDK boundary (spec §6.3:
// processMlld's `format` option).
type OutputFormat string

const (
	FormatMarkdown OutputFormat = "markdown"
	FormatXML      OutputFormat = "xml"
	FormatJSON     OutputFormat = "json"
	FormatText     OutputFormat = "text"
)

// ParamType enumerates the argument types a transformer/resolver parameter
// schema can declare (spec §4.6 "Built-in transformers").
type ParamType string

const (
	ParamString   ParamType = "string"
	ParamInt      ParamType = "int"
	ParamBool     ParamType = "bool"
	ParamDuration ParamType = "duration"
	ParamEnum     ParamType = "enum"
)

// ParameterSchema describes one named/positional parameter a transformer
// or resolver accepts, grounded on the teacher's decorator ParameterSchema
// idiom (core/decorator fluent descriptor builder), retargeted at mlld
// pipeline-transformer parameters instead of decorator parameters.
type ParameterSchema struct {
	Name        string
	Type        ParamType
	Required    bool
	Default     any
	Enum        []string
	Description string
}
