package core

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlld-lang/mlld/core/value"
)

func TestJSONDecodeScalars(t *testing.T) {
	v, err := jsonDecode(`{"name": "ada", "age": 36, "active": true, "note": null}`)
	require.NoError(t, err)

	obj, ok := v.(*value.Object)
	require.True(t, ok)

	name, _ := obj.Get("name")
	assert.Equal(t, "ada", value.AsString(name))

	age, _ := obj.Get("age")
	assert.Equal(t, value.Number{Val: 36, C: age.Ctx()}, age)

	active, _ := obj.Get("active")
	assert.Equal(t, value.Boolean{Val: true, C: active.Ctx()}, active)

	note, _ := obj.Get("note")
	_, isNull := note.(value.Null)
	assert.True(t, isNull)
}

func TestJSONDecodeNestedArraysAndObjectsPreserveKeyOrder(t *testing.T) {
	v, err := jsonDecode(`{"tags": ["a", "b"], "meta": {"z": 1, "a": 2}}`)
	require.NoError(t, err)

	obj, ok := v.(*value.Object)
	require.True(t, ok)

	tags, _ := obj.Get("tags")
	arr, ok := tags.(*value.Array)
	require.True(t, ok)
	require.Len(t, arr.Items, 2)
	assert.Equal(t, "a", value.AsString(arr.Items[0]))

	meta, _ := obj.Get("meta")
	metaObj, ok := meta.(*value.Object)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "z"}, metaObj.Keys)
}

func TestJSONDecodeRejectsMalformedInput(t *testing.T) {
	_, err := jsonDecode(`{not valid json`)
	require.Error(t, err)
}

func TestExpandGlobMatchesAndSorts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.md", "a.md", "c.txt"} {
		require.NoError(t, os.WriteFile(dir+"/"+name, []byte(""), 0o644))
	}

	ev := &Evaluator{}
	matches, err := ev.expandGlob(dir + "/*.md")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, dir+"/a.md", matches[0])
	assert.Equal(t, dir+"/b.md", matches[1])
}
