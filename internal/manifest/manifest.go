package manifest

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"lukechampine.com/blake3"
)

// FileName is the well-known name of a published manifest next to its bundles.
const FileName = "Manifest.json"

// ErrParse marks a malformed manifest payload.
var ErrParse = errors.New("manifest parse error")

// BundleInfo describes one published bundle.
type BundleInfo struct {
	Name string `json:"bundleName"`
	Hash string `json:"hash"`
	// Dependencies is the flattened dependency list and includes Name itself.
	Dependencies []string `json:"dependencies"`
	IsLocal      bool     `json:"isLocal"`
	Size         int64    `json:"size"`
}

// Manifest indexes every bundle published by one build.
type Manifest struct {
	BuildTarget string       `json:"buildTarget"`
	Bundles     []BundleInfo `json:"bundleInfos"`
	GlobalHash  string       `json:"globalHash"`
	// BuildTime is unix milliseconds. It only orders manifests and is not
	// part of GlobalHash.
	BuildTime int64  `json:"buildTime"`
	RemoteURL string `json:"remoteURL"`

	index map[string]int
}

// New assembles a manifest and computes its global hash.
func New(buildTarget, remoteURL string, buildTime int64, bundles []BundleInfo) (*Manifest, error) {
	m := &Manifest{
		BuildTarget: strings.TrimSpace(buildTarget),
		Bundles:     append([]BundleInfo(nil), bundles...),
		BuildTime:   buildTime,
		RemoteURL:   strings.TrimSpace(remoteURL),
	}
	if err := m.reindex(); err != nil {
		return nil, err
	}
	if err := m.validateDependencies(); err != nil {
		return nil, err
	}
	hash, err := GlobalHash(m.Bundles)
	if err != nil {
		return nil, err
	}
	m.GlobalHash = hash
	return m, nil
}

// TryParse decodes and validates a manifest.
func TryParse(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrParse)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if err := m.reindex(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if err := m.validateDependencies(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if m.GlobalHash != "" {
		want, err := GlobalHash(m.Bundles)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		if want != m.GlobalHash {
			return nil, fmt.Errorf("%w: global hash mismatch", ErrParse)
		}
	}
	return &m, nil
}

// Marshal serializes the manifest.
func (m *Manifest) Marshal() ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("manifest is nil")
	}
	return json.MarshalIndent(m, "", "  ")
}

// GlobalHash hashes the serialized bundle list.
func GlobalHash(bundles []BundleInfo) (string, error) {
	if bundles == nil {
		bundles = []BundleInfo{}
	}
	raw, err := json.Marshal(bundles)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:16]), nil
}

func (m *Manifest) reindex() error {
	m.index = make(map[string]int, len(m.Bundles))
	for i, info := range m.Bundles {
		if strings.TrimSpace(info.Name) == "" {
			return fmt.Errorf("bundle %d has no name", i)
		}
		if _, dup := m.index[info.Name]; dup {
			return fmt.Errorf("bundle %q listed twice", info.Name)
		}
		m.index[info.Name] = i
	}
	return nil
}

// validateDependencies rejects entries pointing at bundles the manifest does
// not publish, so every subset stays closed.
func (m *Manifest) validateDependencies() error {
	for _, info := range m.Bundles {
		for _, dep := range info.Dependencies {
			if _, ok := m.index[dep]; !ok {
				return fmt.Errorf("bundle %q depends on unknown bundle %q", info.Name, dep)
			}
		}
	}
	return nil
}

func (m *Manifest) lookup(name string) (int, bool) {
	if m == nil {
		return 0, false
	}
	if m.index == nil {
		if err := m.reindex(); err != nil {
			return 0, false
		}
	}
	i, ok := m.index[name]
	return i, ok
}

// TryGetBundleInfo returns the entry for name.
func (m *Manifest) TryGetBundleInfo(name string) (BundleInfo, bool) {
	i, ok := m.lookup(name)
	if !ok {
		return BundleInfo{}, false
	}
	return m.Bundles[i], true
}

// TryGetBundleHash returns the content hash recorded for name.
func (m *Manifest) TryGetBundleHash(name string) (string, bool) {
	info, ok := m.TryGetBundleInfo(name)
	if !ok {
		return "", false
	}
	return info.Hash, true
}

// Names returns bundle names in manifest order.
func (m *Manifest) Names() []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.Bundles))
	for _, info := range m.Bundles {
		out = append(out, info.Name)
	}
	return out
}

// NewerThan reports whether m was built after other. A nil other is older
// than anything.
func (m *Manifest) NewerThan(other *Manifest) bool {
	if m == nil {
		return false
	}
	if other == nil {
		return true
	}
	return m.BuildTime > other.BuildTime
}

// CollectSubset returns the requested bundles plus their transitive
// dependencies, deduplicated, in manifest order. Names the manifest does not
// know are returned in missing; they are not fatal.
func (m *Manifest) CollectSubset(names []string) (infos []BundleInfo, missing []string) {
	if m == nil {
		return nil, append([]string(nil), names...)
	}
	want := make(map[string]struct{}, len(names))
	var visit func(name string)
	visit = func(name string) {
		if _, ok := want[name]; ok {
			return
		}
		info, ok := m.TryGetBundleInfo(name)
		if !ok {
			return
		}
		want[name] = struct{}{}
		for _, dep := range info.Dependencies {
			visit(dep)
		}
	}
	seenMissing := map[string]struct{}{}
	for _, name := range names {
		name = strings.TrimSpace(name)
		if _, ok := m.lookup(name); !ok {
			if _, dup := seenMissing[name]; !dup {
				seenMissing[name] = struct{}{}
				missing = append(missing, name)
			}
			continue
		}
		visit(name)
	}

	infos = make([]BundleInfo, 0, len(want))
	for _, info := range m.Bundles {
		if _, ok := want[info.Name]; ok {
			infos = append(infos, info)
		}
	}
	return infos, missing
}
