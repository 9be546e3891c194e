// Package pack encodes bundle payloads: a short header followed by a
// msgpack body, optionally zstd-compressed.
package pack

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
	"lukechampine.com/blake3"

	"bundlekit/internal/registry"
)

var magic = []byte("ABK1")

const flagZstd byte = 1 << 0

// SceneSuffix marks assets that are scenes.
const SceneSuffix = ".scene"

var ErrFormat = errors.New("invalid bundle payload")

type Asset struct {
	Name string `msgpack:"name"`
	Data []byte `msgpack:"data"`
}

// Bundle is the decoded body of a payload.
type Bundle struct {
	Name   string   `msgpack:"name"`
	Assets []Asset  `msgpack:"assets"`
	Scenes []string `msgpack:"scenes"`
}

var (
	encOnce sync.Once
	encoder *zstd.Encoder
	encErr  error
	decOnce sync.Once
	decoder *zstd.Decoder
	decErr  error
)

func zstdEncoder() (*zstd.Encoder, error) {
	encOnce.Do(func() {
		encoder, encErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return encoder, encErr
}

func zstdDecoder() (*zstd.Decoder, error) {
	decOnce.Do(func() {
		decoder, decErr = zstd.NewReader(nil)
	})
	return decoder, decErr
}

// Encode serializes b. Assets are sorted by name and scene paths are
// derived from asset names, so equal content always encodes the same.
func Encode(b Bundle, compress bool) ([]byte, error) {
	if strings.TrimSpace(b.Name) == "" {
		return nil, fmt.Errorf("bundle name is required")
	}
	assets := append([]Asset(nil), b.Assets...)
	sort.Slice(assets, func(i, j int) bool { return assets[i].Name < assets[j].Name })
	scenes := make([]string, 0)
	for i, a := range assets {
		if strings.TrimSpace(a.Name) == "" {
			return nil, fmt.Errorf("bundle %s: asset %d has no name", b.Name, i)
		}
		if i > 0 && assets[i-1].Name == a.Name {
			return nil, fmt.Errorf("bundle %s: duplicate asset %q", b.Name, a.Name)
		}
		if strings.HasSuffix(a.Name, SceneSuffix) {
			scenes = append(scenes, a.Name)
		}
	}
	body, err := msgpack.Marshal(Bundle{Name: b.Name, Assets: assets, Scenes: scenes})
	if err != nil {
		return nil, fmt.Errorf("encode bundle %s: %w", b.Name, err)
	}
	var flags byte
	if compress {
		enc, err := zstdEncoder()
		if err != nil {
			return nil, err
		}
		body = enc.EncodeAll(body, nil)
		flags |= flagZstd
	}
	out := make([]byte, 0, len(magic)+1+len(body))
	out = append(out, magic...)
	out = append(out, flags)
	return append(out, body...), nil
}

// Decode parses a payload produced by Encode.
func Decode(data []byte) (Bundle, error) {
	var b Bundle
	if len(data) < len(magic)+1 || !bytes.Equal(data[:len(magic)], magic) {
		return b, fmt.Errorf("%w: bad header", ErrFormat)
	}
	flags := data[len(magic)]
	body := data[len(magic)+1:]
	if flags&^flagZstd != 0 {
		return b, fmt.Errorf("%w: unknown flags %#x", ErrFormat, flags)
	}
	if flags&flagZstd != 0 {
		dec, err := zstdDecoder()
		if err != nil {
			return b, err
		}
		body, err = dec.DecodeAll(body, nil)
		if err != nil {
			return b, fmt.Errorf("%w: %v", ErrFormat, err)
		}
	}
	if err := msgpack.Unmarshal(body, &b); err != nil {
		return b, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return b, nil
}

// Hash is the content hash recorded in the manifest for a payload.
func Hash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:16])
}

// VerifyHash reports whether data hashes to want.
func VerifyHash(data []byte, want string) bool {
	return Hash(data) == strings.TrimSpace(want)
}

// Payload is a decoded bundle held in memory.
type Payload struct {
	mu     sync.RWMutex
	name   string
	assets map[string][]byte
	names  []string
	scenes []string
}

func (p *Payload) Name() string { return p.name }

// Asset returns the raw bytes of an asset.
func (p *Payload) Asset(name string) (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	data, ok := p.assets[name]
	if !ok {
		return nil, false
	}
	return data, true
}

func (p *Payload) AssetNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.names...)
}

func (p *Payload) ScenePaths() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.scenes...)
}

func (p *Payload) Unload() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.assets = nil
	p.names = nil
	p.scenes = nil
}

// Loaded reports whether Unload has not been called yet.
func (p *Payload) Loaded() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.assets != nil
}

// Decoder implements registry.Decoder for this format.
type Decoder struct{}

func (Decoder) Decode(name string, data []byte) (registry.Payload, error) {
	b, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("bundle %s: %w", name, err)
	}
	if b.Name != name {
		return nil, fmt.Errorf("bundle %s: payload is for %q: %w", name, b.Name, ErrFormat)
	}
	p := &Payload{name: b.Name, assets: make(map[string][]byte, len(b.Assets)), scenes: b.Scenes}
	for _, a := range b.Assets {
		p.assets[a.Name] = a.Data
		p.names = append(p.names, a.Name)
	}
	return p, nil
}
