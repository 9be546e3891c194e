package deptree

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// DefaultSharedPrefix is prepended to the content-addressed id of a hoisted asset.
const DefaultSharedPrefix = "shared_"

// sharedNamespace seeds the name-based UUIDs used for shared bundle names.
var sharedNamespace = uuid.MustParse("6f1c3b52-1f0e-4c55-9a0d-2b7f0e4d8a11")

// Definition describes one bundle as it enters (or leaves) a build.
type Definition struct {
	Name            string
	Assets          []string
	IncludeInPlayer bool
	AutoShared      bool
	Compress        bool
	// Shared is set on bundles synthesized by Build.
	Shared bool
}

// AssetGraph reports the direct dependencies of an asset as the engine sees them.
type AssetGraph interface {
	Dependencies(asset string) []string
}

// GraphFunc adapts a plain function to AssetGraph.
type GraphFunc func(asset string) []string

func (f GraphFunc) Dependencies(asset string) []string { return f(asset) }

// Options tune a build.
type Options struct {
	// Exclude lists bundles whose indirect assets are never hoisted into
	// shared bundles. Definitions with AutoShared=false are added implicitly.
	Exclude map[string]struct{}
	// Ignore filters out dependencies that never ship in bundles (scripts etc.).
	Ignore func(asset string) bool
	// SharedPrefix overrides DefaultSharedPrefix.
	SharedPrefix string
}

// Result is the output of Build.
type Result struct {
	// Bundles holds the input definitions in order, followed by synthesized
	// shared bundles in discovery order.
	Bundles []Definition
	// Direct maps each bundle to the bundles it references directly.
	Direct map[string][]string
	// Dependencies maps each bundle to its flattened dependency set, self excluded.
	Dependencies map[string][]string
}

// SharedBundleName returns the deterministic shared bundle name for an asset.
func SharedBundleName(prefix, asset string) string {
	if prefix == "" {
		prefix = DefaultSharedPrefix
	}
	id := uuid.NewSHA1(sharedNamespace, []byte(asset))
	return prefix + strings.ReplaceAll(id.String(), "-", "")
}

// Build walks the asset graph of every definition, hoists assets reachable
// from two or more distinct bundles into single-asset shared bundles and
// returns the augmented bundle list with its dependency map.
func Build(defs []Definition, graph AssetGraph, opts Options) (*Result, error) {
	if graph == nil {
		return nil, fmt.Errorf("asset graph is required")
	}
	b := newBuilder(graph, opts)
	for _, def := range defs {
		if err := b.declare(def); err != nil {
			return nil, err
		}
	}
	for _, id := range b.declared {
		b.collect(id)
	}
	return b.result(), nil
}

// Flatten collects every bundle reachable from name through edges. The root
// name is never part of its own result, even when the graph loops back to it.
func Flatten(edges map[string][]string, name string) []string {
	seen := map[string]struct{}{}
	flattenInto(edges, name, name, seen)
	out := make([]string, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}

func flattenInto(edges map[string][]string, root, name string, seen map[string]struct{}) {
	for _, dep := range edges[name] {
		if dep == root {
			continue
		}
		if _, ok := seen[dep]; ok {
			continue
		}
		seen[dep] = struct{}{}
		flattenInto(edges, root, dep, seen)
	}
}
