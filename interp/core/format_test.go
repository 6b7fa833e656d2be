package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlld-lang/mlld/core/value"
)

func TestFormatValueJSONRoundTripsObject(t *testing.T) {
	obj := value.NewObject(litCtx())
	obj.Set("name", strVal("ada"))
	obj.Set("age", value.Number{Val: 36, C: litCtx()})

	out, err := FormatValue(obj, "json")
	require.NoError(t, err)
	assert.Contains(t, string(out), `"name": "ada"`)
	assert.Contains(t, string(out), `"age": 36`)
}

func TestFormatValueDefaultsToJSONWhenFormatEmpty(t *testing.T) {
	out, err := FormatValue(strVal("hi"), "")
	require.NoError(t, err)
	assert.Equal(t, `"hi"`, string(out))
}

func TestFormatValueMarkdownAndTextReturnPlainString(t *testing.T) {
	out, err := FormatValue(strVal("hello world"), "md")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(out))

	out, err = FormatValue(strVal("hello world"), "text")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(out))
}

func TestFormatValueUnknownFormatErrors(t *testing.T) {
	_, err := FormatValue(strVal("x"), "yaml")
	require.Error(t, err)
}

func TestFormatValueCSVRendersHeaderFromFirstRow(t *testing.T) {
	row1 := value.NewObject(litCtx())
	row1.Set("b", strVal("2"))
	row1.Set("a", strVal("1"))
	row2 := value.NewObject(litCtx())
	row2.Set("a", strVal("3"))
	row2.Set("b", strVal("4"))
	arr := &value.Array{C: litCtx(), Items: []value.Value{row1, row2}}

	out, err := FormatValue(arr, "csv")
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n3,4\n", string(out))
}

func TestFormatValueCSVRejectsNonArray(t *testing.T) {
	_, err := FormatValue(strVal("not an array"), "csv")
	require.Error(t, err)
}

func TestFormatValueCSVRejectsNonObjectRow(t *testing.T) {
	arr := &value.Array{C: litCtx(), Items: []value.Value{strVal("oops")}}
	_, err := FormatValue(arr, "csv")
	require.Error(t, err)
}

func TestFormatValueXMLRendersNestedObjectsAndArrays(t *testing.T) {
	obj := value.NewObject(litCtx())
	obj.Set("name", strVal("ada"))
	arr := &value.Array{C: litCtx(), Items: []value.Value{strVal("x"), strVal("y")}}
	obj.Set("tags", arr)

	out, err := FormatValue(obj, "xml")
	require.NoError(t, err)
	xmlStr := string(out)
	assert.Contains(t, xmlStr, "<root>")
	assert.Contains(t, xmlStr, "<name>ada</name>")
	assert.Contains(t, xmlStr, "<tags>")
	assert.Contains(t, xmlStr, "<item0>x</item0>")
	assert.Contains(t, xmlStr, "<item1>y</item1>")
}
