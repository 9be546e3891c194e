// Package buildcfg loads bundle definitions from HCL and the engine's asset
// dependency database from YAML.
package buildcfg

import (
	"fmt"
	"path"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"

	"bundlekit/internal/deptree"
)

// Config is a decoded build definitions file.
type Config struct {
	BuildTarget  string
	RemoteURL    string
	SharedPrefix string
	// Ignore holds glob patterns of dependencies that never ship in
	// bundles.
	Ignore  []string
	Bundles []deptree.Definition
}

type hclFile struct {
	BuildTarget  string       `hcl:"build_target,optional"`
	RemoteURL    string       `hcl:"remote_url,optional"`
	SharedPrefix string       `hcl:"shared_prefix,optional"`
	Ignore       []string     `hcl:"ignore,optional"`
	Bundles      []*hclBundle `hcl:"bundle,block"`
}

type hclBundle struct {
	Name            string   `hcl:"name,label"`
	Assets          []string `hcl:"assets"`
	IncludeInPlayer *bool    `hcl:"include_in_player,optional"`
	AutoShared      *bool    `hcl:"auto_shared,optional"`
	Compress        *bool    `hcl:"compress,optional"`
}

// LoadFile parses an HCL definitions file.
func LoadFile(filePath string) (*Config, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCLFile(filePath)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filePath, diags)
	}
	return decode(f.Body, filePath)
}

// Parse decodes definitions from src. filename is only used in messages.
func Parse(src []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}
	return decode(f.Body, filename)
}

func decode(body hcl.Body, filename string) (*Config, error) {
	var parsed hclFile
	if diags := gohcl.DecodeBody(body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}
	cfg := &Config{
		BuildTarget:  strings.TrimSpace(parsed.BuildTarget),
		RemoteURL:    strings.TrimSpace(parsed.RemoteURL),
		SharedPrefix: strings.TrimSpace(parsed.SharedPrefix),
		Ignore:       parsed.Ignore,
	}
	for _, pattern := range cfg.Ignore {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("%s: bad ignore pattern %q: %w", filename, pattern, err)
		}
	}
	for _, b := range parsed.Bundles {
		cfg.Bundles = append(cfg.Bundles, deptree.Definition{
			Name:            strings.TrimSpace(b.Name),
			Assets:          b.Assets,
			IncludeInPlayer: boolOr(b.IncludeInPlayer, false),
			AutoShared:      boolOr(b.AutoShared, true),
			Compress:        boolOr(b.Compress, false),
		})
	}
	if len(cfg.Bundles) == 0 {
		return nil, fmt.Errorf("%s: no bundle blocks", filename)
	}
	return cfg, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// Options returns the tree builder options described by the file.
func (c *Config) Options() deptree.Options {
	opts := deptree.Options{SharedPrefix: c.SharedPrefix}
	if len(c.Ignore) > 0 {
		patterns := append([]string(nil), c.Ignore...)
		opts.Ignore = func(asset string) bool {
			for _, p := range patterns {
				if ok, _ := path.Match(p, asset); ok {
					return true
				}
				if ok, _ := path.Match(p, path.Base(asset)); ok {
					return true
				}
			}
			return false
		}
	}
	return opts
}
