package deptree

import (
	"fmt"
	"sort"
	"strings"
)

type nodeID int

// node is one asset in the arena. owner points at the root node that
// currently claims the asset; roots point at themselves.
type node struct {
	asset    string
	owner    nodeID
	bundle   string
	children []nodeID
}

type builder struct {
	graph  AssetGraph
	ignore func(string) bool
	prefix string

	nodes    []node
	roots    map[string]nodeID
	indirect map[string]nodeID
	declared []nodeID

	defs    []Definition
	defIdx  map[string]int
	exclude map[string]struct{}
	edges   map[string]map[string]struct{}
}

func newBuilder(graph AssetGraph, opts Options) *builder {
	exclude := make(map[string]struct{}, len(opts.Exclude))
	for name := range opts.Exclude {
		exclude[name] = struct{}{}
	}
	return &builder{
		graph:    graph,
		ignore:   opts.Ignore,
		prefix:   opts.SharedPrefix,
		roots:    make(map[string]nodeID),
		indirect: make(map[string]nodeID),
		defIdx:   make(map[string]int),
		exclude:  exclude,
		edges:    make(map[string]map[string]struct{}),
	}
}

func (b *builder) declare(def Definition) error {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return fmt.Errorf("bundle name is required")
	}
	if _, dup := b.defIdx[name]; dup {
		return fmt.Errorf("bundle %q declared twice", name)
	}
	def.Name = name
	def.Assets = append([]string(nil), def.Assets...)
	b.defIdx[name] = len(b.defs)
	b.defs = append(b.defs, def)
	b.edges[name] = map[string]struct{}{}
	if !def.AutoShared {
		b.exclude[name] = struct{}{}
	}

	for _, asset := range def.Assets {
		if prev, ok := b.roots[asset]; ok {
			return fmt.Errorf("asset %q declared in both %q and %q", asset, b.nodes[prev].bundle, name)
		}
		id := b.newRoot(asset, name)
		b.declared = append(b.declared, id)
	}
	return nil
}

func (b *builder) newRoot(asset, bundle string) nodeID {
	id := nodeID(len(b.nodes))
	b.nodes = append(b.nodes, node{asset: asset, owner: id, bundle: bundle})
	b.roots[asset] = id
	return id
}

func (b *builder) newIndirect(asset string, owner nodeID) nodeID {
	id := nodeID(len(b.nodes))
	b.nodes = append(b.nodes, node{asset: asset, owner: owner})
	b.indirect[asset] = id
	return id
}

func (b *builder) bundleOf(id nodeID) string {
	return b.nodes[b.nodes[id].owner].bundle
}

func (b *builder) skip(asset, self string) bool {
	if asset == "" || asset == self {
		return true
	}
	return b.ignore != nil && b.ignore(asset)
}

func (b *builder) link(from, to string) {
	if from == to {
		return
	}
	b.edges[from][to] = struct{}{}
}

// collect walks the direct dependencies of node id under its current owner.
func (b *builder) collect(id nodeID) {
	owner := b.nodes[id].owner
	bundle := b.nodes[owner].bundle
	if _, ok := b.exclude[bundle]; ok {
		b.collectPrivate(id, bundle, map[string]struct{}{})
		return
	}

	asset := b.nodes[id].asset
	for _, child := range b.graph.Dependencies(asset) {
		if b.skip(child, asset) {
			continue
		}
		if rid, ok := b.roots[child]; ok {
			b.link(bundle, b.nodes[rid].bundle)
			continue
		}
		if cid, ok := b.indirect[child]; ok {
			other := b.bundleOf(cid)
			if other == bundle {
				continue
			}
			shared := b.promote(cid)
			b.link(other, shared)
			b.link(bundle, shared)
			b.collect(cid)
			continue
		}
		cid := b.newIndirect(child, owner)
		b.nodes[id].children = append(b.nodes[id].children, cid)
		b.collect(cid)
	}
}

// collectPrivate walks a bundle that is excluded from sharing. Its indirect
// assets stay duplicated inside it and never enter the indirect table.
func (b *builder) collectPrivate(id nodeID, bundle string, seen map[string]struct{}) {
	asset := b.nodes[id].asset
	b.walkPrivate(asset, bundle, seen)
}

func (b *builder) walkPrivate(asset, bundle string, seen map[string]struct{}) {
	for _, child := range b.graph.Dependencies(asset) {
		if b.skip(child, asset) {
			continue
		}
		if rid, ok := b.roots[child]; ok {
			b.link(bundle, b.nodes[rid].bundle)
			continue
		}
		if _, ok := seen[child]; ok {
			continue
		}
		seen[child] = struct{}{}
		b.walkPrivate(child, bundle, seen)
	}
}

// promote turns an indirect node into the root of a new shared bundle. The
// node's former subtree is purged from the indirect table so the shared
// root can claim it again on its own walk.
func (b *builder) promote(id nodeID) string {
	asset := b.nodes[id].asset
	b.purge(id, map[nodeID]struct{}{})

	name := SharedBundleName(b.prefix, asset)
	b.nodes[id].owner = id
	b.nodes[id].bundle = name
	b.nodes[id].children = nil
	b.roots[asset] = id

	b.defIdx[name] = len(b.defs)
	b.defs = append(b.defs, Definition{
		Name:       name,
		Assets:     []string{asset},
		AutoShared: true,
		Shared:     true,
	})
	b.edges[name] = map[string]struct{}{}
	return name
}

func (b *builder) purge(id nodeID, seen map[nodeID]struct{}) {
	if _, ok := seen[id]; ok {
		return
	}
	seen[id] = struct{}{}
	n := b.nodes[id]
	if cur, ok := b.indirect[n.asset]; ok && cur == id {
		delete(b.indirect, n.asset)
	}
	for _, child := range n.children {
		b.purge(child, seen)
	}
}

func (b *builder) result() *Result {
	direct := make(map[string][]string, len(b.edges))
	for name, deps := range b.edges {
		list := make([]string, 0, len(deps))
		for dep := range deps {
			list = append(list, dep)
		}
		sort.Strings(list)
		direct[name] = list
	}

	flat := make(map[string][]string, len(direct))
	for name := range direct {
		flat[name] = Flatten(direct, name)
	}

	// Shared bundles ship with the player and compress whenever any bundle
	// depending on them does.
	for _, def := range b.defs {
		if def.Shared {
			continue
		}
		for _, dep := range flat[def.Name] {
			idx, ok := b.defIdx[dep]
			if !ok || !b.defs[idx].Shared {
				continue
			}
			b.defs[idx].IncludeInPlayer = b.defs[idx].IncludeInPlayer || def.IncludeInPlayer
			b.defs[idx].Compress = b.defs[idx].Compress || def.Compress
		}
	}

	return &Result{
		Bundles:      append([]Definition(nil), b.defs...),
		Direct:       direct,
		Dependencies: flat,
	}
}
