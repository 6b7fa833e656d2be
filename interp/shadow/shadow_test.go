package shadow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mlld-lang/mlld/core/value"
)

func TestMarshalPrimitives(t *testing.T) {
	ctx := value.NewCtx(value.Source{Kind: "literal"})
	assert.Equal(t, "hi", Marshal(value.String{Val: "hi", C: ctx}))
	assert.Equal(t, 3.0, Marshal(value.Number{Val: 3, C: ctx}))
	assert.Equal(t, true, Marshal(value.Boolean{Val: true, C: ctx}))
	assert.Nil(t, Marshal(value.Null{C: ctx}))
}

func TestMarshalObjectPreservesKeys(t *testing.T) {
	ctx := value.NewCtx(value.Source{Kind: "literal"})
	obj := value.NewObject(ctx)
	obj.Set("a", value.Number{Val: 1, C: ctx})
	obj.Set("b", value.String{Val: "x", C: ctx})

	out := Marshal(obj).(map[string]any)
	assert.Equal(t, 1.0, out["a"])
	assert.Equal(t, "x", out["b"])
}

func TestMarshalLoadContentCollapsesToContentString(t *testing.T) {
	ctx := value.NewCtx(value.Source{Kind: "literal"})
	lc := &value.LoadContent{Content: "body text", C: ctx}
	assert.Equal(t, "body text", Marshal(lc))
}

func TestDemarshalRoundTripsJSONObject(t *testing.T) {
	v := Demarshal(`{"name":"Ada","age":30}`)
	obj, ok := v.(*value.Object)
	if !ok {
		t.Fatalf("expected *value.Object, got %T", v)
	}
	name, _ := obj.Get("name")
	assert.Equal(t, "Ada", name.String())
}

func TestDemarshalFallsBackToStringWhenNotJSON(t *testing.T) {
	v := Demarshal("not json at all")
	s, ok := v.(value.String)
	if !ok {
		t.Fatalf("expected value.String, got %T", v)
	}
	assert.Equal(t, "not json at all", s.Val)
}

func TestShellEnvRendersAssignments(t *testing.T) {
	ctx := value.NewCtx(value.Source{Kind: "literal"})
	c := Call{
		Params: []string{"name"},
		Args:   map[string]value.Value{"name": value.String{Val: "World", C: ctx}},
	}
	env := shellEnv(c)
	assert.Equal(t, []string{"name=World"}, env)
}

func TestPythonHarnessBindsParamsAndWrapsBody(t *testing.T) {
	ctx := value.NewCtx(value.Source{Kind: "literal"})
	c := Call{
		Params: []string{"x"},
		Args:   map[string]value.Value{"x": value.Number{Val: 2, C: ctx}},
		Source: "return x + 1",
	}
	script := pythonHarness(c)
	assert.Contains(t, script, "x = json.loads(\"2\")")
	assert.Contains(t, script, "def __mlld_body__():")
	assert.Contains(t, script, "    return x + 1")
}
