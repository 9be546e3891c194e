package buildcfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHCL = `
build_target = "linux"
remote_url   = "https://cdn.example.com/bundles"
ignore       = ["*.cs"]

bundle "characters" {
  assets            = ["assets/hero.prefab", "assets/villain.prefab"]
  include_in_player = true
  compress          = true
}

bundle "ui" {
  assets      = ["assets/ui.prefab"]
  auto_shared = false
}
`

func TestParseDefinitions(t *testing.T) {
	cfg, err := Parse([]byte(sampleHCL), "bundles.hcl")
	require.NoError(t, err)
	assert.Equal(t, "linux", cfg.BuildTarget)
	assert.Equal(t, "https://cdn.example.com/bundles", cfg.RemoteURL)
	require.Len(t, cfg.Bundles, 2)

	chars := cfg.Bundles[0]
	assert.Equal(t, "characters", chars.Name)
	assert.Equal(t, []string{"assets/hero.prefab", "assets/villain.prefab"}, chars.Assets)
	assert.True(t, chars.IncludeInPlayer)
	assert.True(t, chars.AutoShared, "auto_shared defaults to true")
	assert.True(t, chars.Compress)

	ui := cfg.Bundles[1]
	assert.False(t, ui.IncludeInPlayer)
	assert.False(t, ui.AutoShared)

	opts := cfg.Options()
	require.NotNil(t, opts.Ignore)
	assert.True(t, opts.Ignore("scripts/Hero.cs"))
	assert.False(t, opts.Ignore("assets/hero.mat"))
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte(`bundle "x" {`), "broken.hcl")
	assert.Error(t, err)
	_, err = Parse([]byte(`build_target = "linux"`), "empty.hcl")
	assert.Error(t, err)
	_, err = Parse([]byte(`bundle "x" { compress = true }`), "noassets.hcl")
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bundles.hcl")
	require.NoError(t, os.WriteFile(p, []byte(sampleHCL), 0o644))
	cfg, err := LoadFile(p)
	require.NoError(t, err)
	assert.Len(t, cfg.Bundles, 2)
}

func TestAssetGraph(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "hero.bin"), []byte("hero"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "assets"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "assets", "hero.mat"), []byte("mat"), 0o644))
	graphYAML := `
assets:
  assets/hero.prefab:
    deps: [assets/hero.mat]
    file: src/hero.bin
  assets/hero.mat: {}
`
	p := filepath.Join(dir, "assets.yaml")
	require.NoError(t, os.WriteFile(p, []byte(graphYAML), 0o644))

	g, err := LoadGraph(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"assets/hero.mat"}, g.Dependencies("assets/hero.prefab"))
	assert.Empty(t, g.Dependencies("assets/unknown"))
	assert.Equal(t, []string{"assets/hero.mat", "assets/hero.prefab"}, g.Assets())

	raw, err := g.Read("assets/hero.prefab")
	require.NoError(t, err)
	assert.Equal(t, "hero", string(raw))
	raw, err = g.Read("assets/hero.mat")
	require.NoError(t, err)
	assert.Equal(t, "mat", string(raw))
	_, err = g.Read("assets/nope")
	assert.Error(t, err)

	_, err = ParseGraph([]byte("assets: [1, 2"), dir)
	assert.Error(t, err)
}
