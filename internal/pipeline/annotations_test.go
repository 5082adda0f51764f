package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeAnnotationsLeafOverride(t *testing.T) {
	base := map[string]any{"team": "platform", "tier": "gold"}
	overlay := map[string]any{"tier": "silver"}

	merged := mergeAnnotations(base, overlay)
	assert.Equal(t, "platform", merged["team"])
	assert.Equal(t, "silver", merged["tier"])
}

func TestMergeAnnotationsRecursesIntoNestedMaps(t *testing.T) {
	base := map[string]any{"labels": map[string]any{"a": "1", "b": "2"}}
	overlay := map[string]any{"labels": map[string]any{"b": "override"}}

	merged := mergeAnnotations(base, overlay)
	labels := merged["labels"].(map[string]any)
	assert.Equal(t, "1", labels["a"])
	assert.Equal(t, "override", labels["b"])
}

func TestMergeAnnotationsReplacesListsWholesale(t *testing.T) {
	base := map[string]any{"tolerations": []any{"a", "b"}}
	overlay := map[string]any{"tolerations": []any{"c"}}

	merged := mergeAnnotations(base, overlay)
	assert.Equal(t, []any{"c"}, merged["tolerations"])
}

func TestMergeAllAnnotationsOrdering(t *testing.T) {
	defaults := map[string]any{"level": "default", "x": "d"}
	run := map[string]any{"level": "run", "y": "r"}
	task := map[string]any{"level": "task"}

	merged := mergeAllAnnotations(defaults, run, task)
	assert.Equal(t, "task", merged["level"], "task annotations win at the leaves")
	assert.Equal(t, "d", merged["x"])
	assert.Equal(t, "r", merged["y"])
}

func TestMergeAnnotationsNilInputs(t *testing.T) {
	assert.Nil(t, mergeAnnotations(nil, nil))
	assert.Equal(t, map[string]any{"a": "1"}, mergeAnnotations(nil, map[string]any{"a": "1"}))
	assert.Equal(t, map[string]any{"a": "1"}, mergeAnnotations(map[string]any{"a": "1"}, nil))
}
