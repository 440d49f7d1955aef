package introspect

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocmtools/gosmi/pkg/gosmi/status"
)

func buildSampleTree() *Tree {
	return NewBuilder().
		AddFunction("num_monitor_devices").
		AddVariant("perf_level_get", DefaultVariant).
		AddSubVariant("temp_metric_get", "edge", "current").
		AddSubVariant("temp_metric_get", "edge", "critical").
		AddSubVariant("temp_metric_get", "junction", "current").
		Build()
}

func TestSupportedDefaultVariant(t *testing.T) {
	tree := buildSampleTree()

	assert.True(t, tree.Supported("num_monitor_devices", "", ""))
	assert.False(t, tree.Supported("unknown_function", "", ""))
}

func TestSupportedVariantAndSubVariant(t *testing.T) {
	tree := buildSampleTree()

	assert.True(t, tree.Supported("temp_metric_get", "edge", "current"))
	assert.True(t, tree.Supported("temp_metric_get", "edge", "critical"))
	assert.False(t, tree.Supported("temp_metric_get", "edge", "missing"))
	assert.False(t, tree.Supported("temp_metric_get", "missing-variant", "current"))
}

func TestFunctionsIteratorPreservesInsertionOrder(t *testing.T) {
	tree := buildSampleTree()

	it := tree.Functions()

	var got []string

	for it.Next() == nil {
		v, err := it.Value()
		require.NoError(t, err)
		got = append(got, v)
	}

	assert.Equal(t, []string{"num_monitor_devices", "perf_level_get", "temp_metric_get"}, got)
	assert.True(t, errors.Is(it.Next(), status.ErrNoData))
}

func TestVariantsIteratorSortedAndUnknownFunction(t *testing.T) {
	tree := buildSampleTree()

	it, err := tree.Variants("temp_metric_get")
	require.NoError(t, err)

	var variants []string
	for it.Next() == nil {
		v, _ := it.Value()
		variants = append(variants, v)
	}

	assert.Equal(t, []string{"edge", "junction"}, variants)

	_, err = tree.Variants("no_such_function")
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrNotSupported))
}

func TestSubVariantsIteratorSorted(t *testing.T) {
	tree := buildSampleTree()

	it, err := tree.SubVariants("temp_metric_get", "edge")
	require.NoError(t, err)

	var subs []string
	for it.Next() == nil {
		v, _ := it.Value()
		subs = append(subs, v)
	}

	assert.Equal(t, []string{"critical", "current"}, subs)

	_, err = tree.SubVariants("temp_metric_get", "no_such_variant")
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrNotSupported))
}

func TestIteratorValueBeforeNextIsInvalidArgs(t *testing.T) {
	tree := buildSampleTree()

	it := tree.Functions()

	_, err := it.Value()
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrInvalidArgs))
}

func TestRegistrySetGetAndUnknownDevice(t *testing.T) {
	reg := NewRegistry()
	tree := buildSampleTree()

	reg.Set(0, tree)

	got, err := reg.Get(0)
	require.NoError(t, err)
	assert.Same(t, tree, got)

	_, err = reg.Get(1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrInvalidArgs))
}
