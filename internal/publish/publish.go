// Package publish turns bundle definitions into packed payloads and a
// manifest, and writes them to the remote and local origins.
package publish

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"bundlekit/internal/deptree"
	"bundlekit/internal/manifest"
	"bundlekit/internal/origin"
	"bundlekit/internal/pack"
)

// Source supplies the asset graph and asset content.
type Source interface {
	deptree.AssetGraph
	Read(asset string) ([]byte, error)
}

type Build struct {
	BuildTarget string
	RemoteURL   string
	Definitions []deptree.Definition
	Options     deptree.Options
	BuildTime   time.Time
}

// Artifact is one packed bundle.
type Artifact struct {
	Definition deptree.Definition
	Info       manifest.BundleInfo
	Data       []byte
}

type Output struct {
	Tree      *deptree.Result
	Manifest  *manifest.Manifest
	Artifacts []Artifact
}

// Assemble runs the tree builder and packs every resulting bundle.
func Assemble(b Build, src Source) (*Output, error) {
	if src == nil {
		return nil, fmt.Errorf("asset source is required")
	}
	tree, err := deptree.Build(b.Definitions, src, b.Options)
	if err != nil {
		return nil, fmt.Errorf("build dependency tree: %w", err)
	}

	out := &Output{Tree: tree}
	infos := make([]manifest.BundleInfo, 0, len(tree.Bundles))
	for _, def := range tree.Bundles {
		bundle := pack.Bundle{Name: def.Name}
		for _, asset := range def.Assets {
			data, err := src.Read(asset)
			if err != nil {
				return nil, fmt.Errorf("bundle %s: %w", def.Name, err)
			}
			bundle.Assets = append(bundle.Assets, pack.Asset{Name: asset, Data: data})
		}
		data, err := pack.Encode(bundle, def.Compress)
		if err != nil {
			return nil, err
		}
		info := manifest.BundleInfo{
			Name:         def.Name,
			Hash:         pack.Hash(data),
			Dependencies: append([]string{def.Name}, tree.Dependencies[def.Name]...),
			IsLocal:      def.IncludeInPlayer,
			Size:         int64(len(data)),
		}
		infos = append(infos, info)
		out.Artifacts = append(out.Artifacts, Artifact{Definition: def, Info: info, Data: data})
	}

	built := b.BuildTime
	if built.IsZero() {
		built = time.Now()
	}
	m, err := manifest.New(b.BuildTarget, b.RemoteURL, built.UnixMilli(), infos)
	if err != nil {
		return nil, err
	}
	out.Manifest = m
	return out, nil
}

// Write publishes every artifact and the manifest to remote, and the local
// subset with the same manifest to local. Either publisher may be nil.
func Write(ctx context.Context, out *Output, remote, local origin.Publisher, logger *slog.Logger) error {
	if out == nil || out.Manifest == nil {
		return fmt.Errorf("nothing to publish")
	}
	if logger == nil {
		logger = slog.Default()
	}
	raw, err := out.Manifest.Marshal()
	if err != nil {
		return err
	}
	target := out.Manifest.BuildTarget
	for _, a := range out.Artifacts {
		p := origin.Join(target, a.Info.Name)
		if remote != nil {
			if err := remote.Put(ctx, p, a.Data); err != nil {
				return fmt.Errorf("publish %s: %w", a.Info.Name, err)
			}
		}
		if local != nil && a.Info.IsLocal {
			if err := local.Put(ctx, p, a.Data); err != nil {
				return fmt.Errorf("package %s: %w", a.Info.Name, err)
			}
		}
		logger.Debug("bundle written", "bundle", a.Info.Name, "size", a.Info.Size, "local", a.Info.IsLocal)
	}
	mp := origin.Join(target, manifest.FileName)
	if remote != nil {
		if err := remote.Put(ctx, mp, raw); err != nil {
			return fmt.Errorf("publish manifest: %w", err)
		}
	}
	if local != nil {
		if err := local.Put(ctx, mp, raw); err != nil {
			return fmt.Errorf("package manifest: %w", err)
		}
	}
	logger.Info("build published", "target", target, "bundles", len(out.Artifacts), "globalHash", out.Manifest.GlobalHash)
	return nil
}
