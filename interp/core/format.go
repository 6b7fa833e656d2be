package core

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sort"

	"github.com/mlld-lang/mlld/core/errs"
	"github.com/mlld-lang/mlld/core/value"
)

// FormatValue is the exported form of formatValue, for callers outside
// this package; the top-level interpreter package does not call it.
func FormatValue(v value.Value, format string) ([]byte, error) {
	return formatValue(v, format)
}

// formatValue renders v as fmt text, used by `/output … to TARGET` (spec
// §4.2 table, §4.8 WriteEffect).
func formatValue(v value.Value, format string) ([]byte, error) {
	switch format {
	case "json", "":
		data, err := json.MarshalIndent(valueToAny(v), "", "  ")
		if err != nil {
			return nil, errs.Wrap(errs.KindValidationFailed, err, "formatting value as json")
		}
		return data, nil
	case "csv":
		return formatCSV(v)
	case "xml":
		return formatXML(v)
	case "md", "text":
		return []byte(value.AsString(v)), nil
	case "binary":
		return []byte(value.AsString(v)), nil
	default:
		return nil, errs.New(errs.KindInvalidArgument, "unknown output format %q", format)
	}
}

// valueToAny is the inverse of gabsToValue — converts a Value tree back
// to plain Go data so encoding/json can marshal it directly.
func valueToAny(v value.Value) any {
	switch t := v.(type) {
	case value.Null:
		return nil
	case value.String:
		return t.Val
	case value.Number:
		return t.Val
	case value.Boolean:
		return t.Val
	case *value.Array:
		out := make([]any, len(t.Items))
		for i, item := range t.Items {
			out[i] = valueToAny(item)
		}
		return out
	case *value.Object:
		out := make(map[string]any, len(t.Keys))
		for _, k := range t.Keys {
			val, _ := t.Get(k)
			out[k] = valueToAny(val)
		}
		return out
	case *value.LoadContent:
		return t.Content
	case *value.Structured:
		return t.Text
	default:
		return v.String()
	}
}

// formatCSV renders an array of objects as CSV, header row from the
// first row's keys — the shape `/output` and the `@csv` transformer both
// need (spec §4.8 WriteEffect, §4.6 built-in transformers).
func formatCSV(v value.Value) ([]byte, error) {
	arr, ok := v.(*value.Array)
	if !ok {
		return nil, errs.New(errs.KindInvalidArgument, "csv output requires an array of objects, got %T", v)
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	var header []string
	for i, item := range arr.Items {
		obj, ok := item.(*value.Object)
		if !ok {
			return nil, errs.New(errs.KindInvalidArgument, "csv row %d is not an object", i)
		}
		if header == nil {
			header = append([]string(nil), obj.Keys...)
			sort.Strings(header)
			if err := w.Write(header); err != nil {
				return nil, err
			}
		}
		row := make([]string, len(header))
		for j, k := range header {
			if fv, ok := obj.Get(k); ok {
				row[j] = value.AsString(fv)
			}
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// xmlNode adapts an arbitrary Value tree to encoding/xml's element model
// (xml.Marshal can't walk map[string]any/[]any directly).
type xmlNode struct {
	XMLName xml.Name
	Attr    string      `xml:",chardata"`
	Nodes   []xmlNode   `xml:",omitempty"`
}

func formatXML(v value.Value) ([]byte, error) {
	root := valueToXMLNode("root", v)
	data, err := xml.MarshalIndent(root, "", "  ")
	if err != nil {
		return nil, errs.Wrap(errs.KindValidationFailed, err, "formatting value as xml")
	}
	return data, nil
}

func valueToXMLNode(name string, v value.Value) xmlNode {
	switch t := v.(type) {
	case *value.Object:
		n := xmlNode{XMLName: xml.Name{Local: name}}
		for _, k := range t.Keys {
			child, _ := t.Get(k)
			n.Nodes = append(n.Nodes, valueToXMLNode(k, child))
		}
		return n
	case *value.Array:
		n := xmlNode{XMLName: xml.Name{Local: name}}
		for i, item := range t.Items {
			n.Nodes = append(n.Nodes, valueToXMLNode(fmt.Sprintf("item%d", i), item))
		}
		return n
	default:
		return xmlNode{XMLName: xml.Name{Local: name}, Attr: value.AsString(v)}
	}
}
