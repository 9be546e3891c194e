package registry

import (
	"log/slog"
	"sort"
	"strings"
)

// Payload is the decoded content of one bundle.
type Payload interface {
	Asset(name string) (any, bool)
	AssetNames() []string
	ScenePaths() []string
	// Unload releases the payload. Assets already handed out stay valid
	// for as long as the host keeps them.
	Unload()
}

// Decoder turns fetched bundle bytes into a Payload.
type Decoder interface {
	Decode(name string, data []byte) (Payload, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(name string, data []byte) (Payload, error)

func (f DecoderFunc) Decode(name string, data []byte) (Payload, error) { return f(name, data) }

// LoadedBundle is a bundle currently installed in the registry.
type LoadedBundle struct {
	Name    string
	Payload Payload
	Hash    string
	// Dependencies is the flattened dependency list including Name.
	Dependencies []string
	// IsLocal marks bundles in the local package set. Downloads never
	// evict them.
	IsLocal  bool
	LoadPath string
	// Generation changes on every install or payload swap.
	Generation uint64
}

// Registry maps bundle names to loaded bundles. It is not safe for
// concurrent use; the session serializes access.
type Registry struct {
	log     *slog.Logger
	bundles map[string]*LoadedBundle
	scenes  map[string]string
	gen     uint64
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		log:     logger,
		bundles: make(map[string]*LoadedBundle),
		scenes:  make(map[string]string),
	}
}

// Get returns the loaded bundle for name.
func (r *Registry) Get(name string) (*LoadedBundle, bool) {
	b, ok := r.bundles[name]
	return b, ok
}

// Len returns the number of loaded bundles.
func (r *Registry) Len() int {
	return len(r.bundles)
}

// Names returns loaded bundle names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.bundles))
	for name := range r.bundles {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Install puts b in place of any bundle with the same name. The previous
// payload is unloaded.
func (r *Registry) Install(b *LoadedBundle) {
	if b == nil || strings.TrimSpace(b.Name) == "" {
		return
	}
	if old, ok := r.bundles[b.Name]; ok && old.Payload != nil && old.Payload != b.Payload {
		old.Payload.Unload()
	}
	r.gen++
	b.Generation = r.gen
	r.bundles[b.Name] = b
	r.rebuildScenes()
	r.log.Debug("bundle installed", "bundle", b.Name, "hash", b.Hash, "local", b.IsLocal, "generation", b.Generation)
}

// SwapPayload replaces the payload of an installed bundle in place. It
// returns false when name is not loaded.
func (r *Registry) SwapPayload(name string, p Payload) bool {
	b, ok := r.bundles[name]
	if !ok || p == nil {
		return false
	}
	if b.Payload != nil && b.Payload != p {
		b.Payload.Unload()
	}
	b.Payload = p
	r.gen++
	b.Generation = r.gen
	r.rebuildScenes()
	r.log.Debug("bundle payload swapped", "bundle", name, "generation", b.Generation)
	return true
}

// Evict unloads and removes name.
func (r *Registry) Evict(name string) bool {
	b, ok := r.bundles[name]
	if !ok {
		return false
	}
	if b.Payload != nil {
		b.Payload.Unload()
	}
	delete(r.bundles, name)
	r.rebuildScenes()
	r.log.Debug("bundle evicted", "bundle", name)
	return true
}

// Clear unloads every bundle.
func (r *Registry) Clear() {
	for _, b := range r.bundles {
		if b.Payload != nil {
			b.Payload.Unload()
		}
	}
	r.bundles = make(map[string]*LoadedBundle)
	r.scenes = make(map[string]string)
}

// SceneBundle returns the bundle that holds scenePath.
func (r *Registry) SceneBundle(scenePath string) (string, bool) {
	name, ok := r.scenes[scenePath]
	return name, ok
}

func (r *Registry) rebuildScenes() {
	scenes := make(map[string]string, len(r.scenes))
	for _, name := range r.Names() {
		b := r.bundles[name]
		if b.Payload == nil {
			continue
		}
		for _, path := range b.Payload.ScenePaths() {
			scenes[path] = name
		}
	}
	r.scenes = scenes
}
