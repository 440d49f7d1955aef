// Package introspect implements the function-support introspector
// (spec.md §4.8): at device-registration time a tree is built per device,
// function-name → [variant → [sub-variant]], which callers walk with an
// iterator API.
//
// Built trees are cached per device with github.com/patrickmn/go-cache,
// the same library and Set/Get idiom leptonai-gpud's
// fabric-manager/log_watcher.go uses for its log deduper, since a
// device's tree never changes after registration and repeated iterator
// opens on the same function are otherwise a wasted rebuild.
package introspect

import (
	"fmt"
	"sort"

	cache "github.com/patrickmn/go-cache"

	"github.com/rocmtools/gosmi/pkg/gosmi/status"
)

// DefaultVariant is the sentinel variant for functions that take no
// variant/sensor argument (spec.md §4.8: "appear with the single default
// variant sentinel").
const DefaultVariant = "default"

// Function is one entry in a device's support tree: a function name and
// its variant → sub-variants map.
type Function struct {
	Name     string
	Variants map[string][]string
}

// Tree is the immutable function-support tree built for one device at
// registration time.
type Tree struct {
	functions map[string]Function
	order     []string
}

// Builder accumulates functions before producing an immutable Tree.
type Builder struct {
	functions map[string]Function
	order     []string
}

// NewBuilder starts a new Tree under construction.
func NewBuilder() *Builder {
	return &Builder{functions: make(map[string]Function)}
}

// AddFunction registers a function with no variant dependency, using
// DefaultVariant as its single variant with no sub-variants (spec.md
// §4.8, e.g. num_monitor_devices).
func (b *Builder) AddFunction(name string) *Builder {
	return b.AddVariant(name, DefaultVariant)
}

// AddVariant registers a function/variant pair with no sub-variants
// (spec.md §4.8, e.g. perf_level_get depending only on an overall state).
func (b *Builder) AddVariant(name, variant string) *Builder {
	b.ensure(name)
	if _, ok := b.functions[name].Variants[variant]; !ok {
		b.functions[name].Variants[variant] = nil
	}

	return b
}

// AddSubVariant registers a function/variant/sub-variant triple (spec.md
// §4.8, e.g. temp_metric_get depending on both a sensor type and a metric
// kind).
func (b *Builder) AddSubVariant(name, variant, subVariant string) *Builder {
	b.ensure(name)

	fn := b.functions[name]
	fn.Variants[variant] = append(fn.Variants[variant], subVariant)
	b.functions[name] = fn

	return b
}

func (b *Builder) ensure(name string) {
	if _, ok := b.functions[name]; !ok {
		b.functions[name] = Function{Name: name, Variants: make(map[string][]string)}
		b.order = append(b.order, name)
	}
}

// Build finalizes the tree, sorting sub-variant lists for deterministic
// iteration order.
func (b *Builder) Build() *Tree {
	for name, fn := range b.functions {
		for v, subs := range fn.Variants {
			sorted := append([]string(nil), subs...)
			sort.Strings(sorted)
			fn.Variants[v] = sorted
		}

		b.functions[name] = fn
	}

	return &Tree{functions: b.functions, order: append([]string(nil), b.order...)}
}

// Supported is the direct convenience call (no iterator) answering whether
// a function/variant/sub-variant combination is present in the tree.
func (t *Tree) Supported(function, variant, subVariant string) bool {
	fn, ok := t.functions[function]
	if !ok {
		return false
	}

	if variant == "" {
		variant = DefaultVariant
	}

	subs, ok := fn.Variants[variant]
	if !ok {
		return false
	}

	if subVariant == "" {
		return true
	}

	for _, s := range subs {
		if s == subVariant {
			return true
		}
	}

	return false
}

// kind distinguishes what level of the tree an Iterator walks.
type kind int

const (
	kindFunctions kind = iota
	kindVariants
	kindSubVariants
)

// Iterator walks one level of a Tree: the function names, the variants of
// one function, or the sub-variants of one function/variant.
type Iterator struct {
	items []string
	pos   int
}

// Functions opens an iterator over every function name in the tree.
func (t *Tree) Functions() *Iterator {
	return &Iterator{items: append([]string(nil), t.order...), pos: -1}
}

// Variants opens an iterator over one function's variants.
func (t *Tree) Variants(function string) (*Iterator, error) {
	fn, ok := t.functions[function]
	if !ok {
		return nil, fmt.Errorf("%w: function %q not supported", status.ErrNotSupported, function)
	}

	names := make([]string, 0, len(fn.Variants))
	for v := range fn.Variants {
		names = append(names, v)
	}

	sort.Strings(names)

	return &Iterator{items: names, pos: -1}, nil
}

// SubVariants opens an iterator over one function/variant's sub-variants.
func (t *Tree) SubVariants(function, variant string) (*Iterator, error) {
	fn, ok := t.functions[function]
	if !ok {
		return nil, fmt.Errorf("%w: function %q not supported", status.ErrNotSupported, function)
	}

	subs, ok := fn.Variants[variant]
	if !ok {
		return nil, fmt.Errorf("%w: variant %q not supported for function %q", status.ErrNotSupported, variant, function)
	}

	return &Iterator{items: append([]string(nil), subs...), pos: -1}, nil
}

// Next advances the iterator, returning status.ErrNoData at end (spec.md
// §4.8: "advanced with next (returns no-data at end)").
func (it *Iterator) Next() error {
	if it.pos+1 >= len(it.items) {
		return status.ErrNoData
	}

	it.pos++

	return nil
}

// Value returns the current item; call only after a successful Next.
func (it *Iterator) Value() (string, error) {
	if it.pos < 0 || it.pos >= len(it.items) {
		return "", fmt.Errorf("%w: iterator not positioned on a value", status.ErrInvalidArgs)
	}

	return it.items[it.pos], nil
}

// Close releases iterator resources. Iterator holds no external handles,
// so Close is a no-op retained for symmetry with the C ABI's
// open/next/close lifecycle.
func (it *Iterator) Close() {}

// Registry caches built trees per device index, so repeated lookups for
// the same device (e.g. across many iterator opens) skip rebuilding.
type Registry struct {
	trees *cache.Cache
}

// NewRegistry constructs an empty tree registry. Entries never expire: a
// tree is valid for the lifetime of the device's registration, not a
// fixed TTL, so NoExpiration is used for both the entry and purge
// interval.
func NewRegistry() *Registry {
	return &Registry{trees: cache.New(cache.NoExpiration, cache.NoExpiration)}
}

// Set stores the tree built for a device at registration time.
func (r *Registry) Set(deviceIndex int, tree *Tree) {
	r.trees.Set(key(deviceIndex), tree, cache.NoExpiration)
}

// Get retrieves the tree for a device, or status.ErrInvalidArgs if no tree
// was ever registered for it.
func (r *Registry) Get(deviceIndex int) (*Tree, error) {
	v, ok := r.trees.Get(key(deviceIndex))
	if !ok {
		return nil, fmt.Errorf("%w: no function-support tree for device %d", status.ErrInvalidArgs, deviceIndex)
	}

	return v.(*Tree), nil
}

func key(deviceIndex int) string {
	return fmt.Sprintf("device-%d", deviceIndex)
}
