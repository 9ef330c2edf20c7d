// ABOUTME: Tests for artifact construction from tool results
// ABOUTME: Covers null filtering, invalid typed parts, type inference and provenance metadata

package artifact

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-runtime/internal/store"
)

func build(t *testing.T, raw string) *store.Artifact {
	t.Helper()
	res, err := Decode("search", "", json.RawMessage(raw))
	require.NoError(t, err)
	res.TaskID = "task-1"
	res.ContextID = "ctx-1"
	return NewBuilder().Build(res)
}

func TestBuild_MixedNullsKeepsValidParts(t *testing.T) {
	a := build(t, `["alpha", null, "", "beta", null]`)
	require.NotNil(t, a)

	require.Len(t, a.Parts, 2)
	assert.Equal(t, "alpha", a.Parts[0].Text)
	assert.Equal(t, "beta", a.Parts[1].Text)
	assert.Equal(t, 3, a.Metadata["dropped_parts"])
	assert.Equal(t, TypeList, a.Type)
}

func TestBuild_AllNullProducesNothing(t *testing.T) {
	for _, raw := range []string{
		`null`,
		`[null, null]`,
		`{"parts": [null, {"kind": "text", "text": null}]}`,
		`{"a": null, "b": {"c": null}}`,
		`""`,
		`[]`,
	} {
		assert.Nil(t, build(t, raw), raw)
	}
}

func TestBuild_StripsNullFieldsInData(t *testing.T) {
	a := build(t, `{"title": "report", "author": null, "extra": {"x": null}, "tags": [null, "a"]}`)
	require.NotNil(t, a)
	require.Len(t, a.Parts, 1)

	p := a.Parts[0]
	assert.Equal(t, store.PartData, p.Kind)
	assert.Equal(t, map[string]any{"title": "report", "tags": []any{"a"}}, p.Data)
	assert.Equal(t, TypeData, a.Type)
}

func TestBuild_TypedParts(t *testing.T) {
	a := build(t, `{"parts": [
		{"kind": "text", "text": "hello"},
		{"kind": "data", "data": null},
		{"kind": "data", "data": {"k": 1, "z": null}},
		{"kind": "file", "file": {"name": "a.txt"}},
		{"kind": "file", "file": {"name": "b.txt", "uri": "file:///tmp/b.txt"}}
	]}`)
	require.NotNil(t, a)
	require.Len(t, a.Parts, 3)

	assert.Equal(t, store.PartText, a.Parts[0].Kind)
	assert.Equal(t, map[string]any{"k": float64(1)}, a.Parts[1].Data)
	assert.Equal(t, "file:///tmp/b.txt", a.Parts[2].File.URI)
	assert.Equal(t, 2, a.Metadata["dropped_parts"])
}

func TestBuild_TypeInference(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"rows of objects", `[{"a": 1}, {"a": 2}]`, TypeTable},
		{"columns and rows", `{"columns": ["a"], "rows": [[1]]}`, TypeTable},
		{"series", `{"series": [{"x": 1}]}`, TypeChart},
		{"labels and values", `{"labels": ["a"], "values": [1]}`, TypeChart},
		{"chart type", `{"chart_type": "bar", "data": [1]}`, TypeChart},
		{"scalars", `[1, 2, 3]`, TypeList},
		{"single string", `"done"`, TypeText},
		{"single text part", `{"parts": [{"kind": "text", "text": "x"}]}`, TypeText},
		{"files only", `[{"kind": "file", "file": {"bytes": "aGk="}}]`, TypeFile},
		{"object", `{"answer": 42}`, TypeData},
		{"mixed list", `["a", {"b": 1}]`, TypeData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := build(t, tt.raw)
			require.NotNil(t, a)
			assert.Equal(t, tt.want, a.Type)
			assert.Equal(t, tt.want, a.Metadata["type"])
		})
	}
}

func TestBuild_Provenance(t *testing.T) {
	a := build(t, `"ok"`)
	require.NotNil(t, a)

	assert.NotEmpty(t, a.ID)
	assert.Equal(t, "task-1", a.TaskID)
	assert.Equal(t, "search", a.Name)
	assert.Equal(t, "search", a.Metadata["tool"])
	assert.Equal(t, SourceTool, a.Metadata["source"])
	assert.Equal(t, "task-1", a.Metadata["task_id"])
	assert.Equal(t, "ctx-1", a.Metadata["context_id"])
	assert.False(t, a.CreatedAt.IsZero())
}

func TestDecode_InvalidJSON(t *testing.T) {
	_, err := Decode("x", "", json.RawMessage(`{nope`))
	assert.Error(t, err)
}
