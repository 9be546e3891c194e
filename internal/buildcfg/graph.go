package buildcfg

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// AssetEntry is one asset in the dependency database.
type AssetEntry struct {
	Deps []string `yaml:"deps"`
	// File is the source file of the asset, relative to the database. The
	// asset path itself is used when empty.
	File string `yaml:"file"`
}

type graphFile struct {
	Assets map[string]AssetEntry `yaml:"assets"`
}

// AssetGraph is the engine's asset dependency database. It implements
// deptree.AssetGraph.
type AssetGraph struct {
	base   string
	assets map[string]AssetEntry
}

// LoadGraph reads a YAML dependency database.
func LoadGraph(filePath string) (*AssetGraph, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return ParseGraph(raw, filepath.Dir(filePath))
}

// ParseGraph decodes a dependency database. Asset files resolve against
// baseDir.
func ParseGraph(raw []byte, baseDir string) (*AssetGraph, error) {
	var f graphFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode asset graph: %w", err)
	}
	g := &AssetGraph{base: baseDir, assets: make(map[string]AssetEntry, len(f.Assets))}
	for name, entry := range f.Assets {
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, fmt.Errorf("asset graph has an entry with no name")
		}
		g.assets[name] = entry
	}
	return g, nil
}

// Dependencies returns the direct dependencies of asset.
func (g *AssetGraph) Dependencies(asset string) []string {
	if g == nil {
		return nil
	}
	return g.assets[asset].Deps
}

// Assets returns every known asset name, sorted.
func (g *AssetGraph) Assets() []string {
	out := make([]string, 0, len(g.assets))
	for name := range g.assets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Read returns the content of asset.
func (g *AssetGraph) Read(asset string) ([]byte, error) {
	file := asset
	if entry, ok := g.assets[asset]; ok && strings.TrimSpace(entry.File) != "" {
		file = entry.File
	}
	if !filepath.IsAbs(file) {
		file = filepath.Join(g.base, filepath.FromSlash(file))
	}
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read asset %s: %w", asset, err)
	}
	return raw, nil
}
