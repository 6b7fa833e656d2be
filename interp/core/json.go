package core

import (
	"path/filepath"
	"sort"

	"github.com/Jeffail/gabs/v2"

	"github.com/mlld-lang/mlld/core/value"
)

// jsonDecode parses raw JSON text into a Value, walking the parsed tree
// through gabs's own Container navigation (ChildrenMap/Children) rather
// than type-switching over the plain `any` gabs hands back from Data —
// matching how the teacher's decorator layer reads untyped JSON payloads
// field-by-field through a container rather than via encoding/json struct
// tags (grounded on the teacher's use of gabs for ad hoc JSON field access
// in its validation and transform paths).
func jsonDecode(raw string) (value.Value, error) {
	parsed, err := gabs.ParseJSON([]byte(raw))
	if err != nil {
		return nil, err
	}
	ctx := value.NewCtx(value.Source{Kind: "dynamic"})
	return gabsToValue(parsed, ctx), nil
}

func gabsToValue(c *gabs.Container, ctx value.Ctx) value.Value {
	if c == nil {
		return value.Null{C: ctx}
	}
	if fields, err := c.ChildrenMap(); err == nil {
		obj := value.NewObject(ctx)
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			obj.Set(k, gabsToValue(fields[k], ctx))
		}
		return obj
	}
	if items, err := c.Children(); err == nil {
		arr := &value.Array{C: ctx}
		for _, item := range items {
			arr.Items = append(arr.Items, gabsToValue(item, ctx))
		}
		return arr
	}
	switch t := c.Data().(type) {
	case string:
		return value.String{Val: t, C: ctx}
	case float64:
		return value.Number{Val: t, C: ctx}
	case bool:
		return value.Boolean{Val: t, C: ctx}
	default:
		return value.Null{C: ctx}
	}
}

// expandGlob matches pattern against the filesystem, used by
// `<*.md>`-style file-load expressions (spec §4.3).
func (ev *Evaluator) expandGlob(pattern string) ([]string, error) {
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
