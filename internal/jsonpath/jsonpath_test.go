package jsonpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetNestedMapAndSlice(t *testing.T) {
	root := map[string]any{
		"apiResult": map[string]any{
			"items": []any{
				map[string]any{"name": "first"},
				map[string]any{"name": "second"},
			},
		},
	}
	v, ok := Get(root, "apiResult.items.1.name")
	assert.True(t, ok)
	assert.Equal(t, "second", v)
}

func TestGetMissingSegmentReturnsFalse(t *testing.T) {
	root := map[string]any{"a": map[string]any{}}
	_, ok := Get(root, "a.b.c")
	assert.False(t, ok)
}

func TestGetOutOfRangeIndex(t *testing.T) {
	root := map[string]any{"items": []any{1.0}}
	_, ok := Get(root, "items.5")
	assert.False(t, ok)
}

func TestSetCreatesIntermediateMaps(t *testing.T) {
	root := map[string]any{}
	Set(root, "a.b.c", "value")
	v, ok := Get(root, "a.b.c")
	assert.True(t, ok)
	assert.Equal(t, "value", v)
}

func TestSetOverwritesNonMapIntermediate(t *testing.T) {
	root := map[string]any{"a": "scalar"}
	Set(root, "a.b", "value")
	v, ok := Get(root, "a.b")
	assert.True(t, ok)
	assert.Equal(t, "value", v)
}

func TestSetTopLevelKey(t *testing.T) {
	root := map[string]any{}
	Set(root, "status", "ok")
	assert.Equal(t, "ok", root["status"])
}

func TestSetEmptyPathIsNoop(t *testing.T) {
	root := map[string]any{"a": 1.0}
	Set(root, "", "value")
	assert.Equal(t, map[string]any{"a": 1.0}, root)
}
