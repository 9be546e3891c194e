package session

import (
	"fmt"

	"bundlekit/internal/registry"
	"bundlekit/internal/task"
	"bundlekit/internal/tracking"
)

// LoadedAsset is one asset returned by LoadAll.
type LoadedAsset struct {
	Handle tracking.Handle
	Name   string
	Value  any
}

// Load returns asset from bundle and tracks it under owner. A nil owner
// keeps the entry until it is released.
func (s *Session) Load(owner any, bundle, asset string) (tracking.Handle, any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.orch.Initialized() {
		return tracking.InvalidHandle, nil, s.violation("load", ErrNotInitialized)
	}
	b, value, err := s.resolveLocked(bundle, asset)
	if err != nil {
		s.log.Warn("load failed", "bundle", bundle, "asset", asset, "error", err)
		return tracking.InvalidHandle, nil, err
	}
	h := s.table.Track(owner, value, b.Name, b.Dependencies, false)
	s.syncGaugesLocked(b.Dependencies)
	return h, value, nil
}

// LoadAll loads every asset of bundle under owner.
func (s *Session) LoadAll(owner any, bundle string) ([]LoadedAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.orch.Initialized() {
		return nil, s.violation("load all", ErrNotInitialized)
	}
	b, ok := s.reg.Get(bundle)
	if !ok || b.Payload == nil {
		return nil, fmt.Errorf("%w: %s", ErrBundleNotLoaded, bundle)
	}
	names := b.Payload.AssetNames()
	out := make([]LoadedAsset, 0, len(names))
	for _, name := range names {
		value, ok := b.Payload.Asset(name)
		if !ok {
			continue
		}
		h := s.table.Track(owner, value, b.Name, b.Dependencies, false)
		out = append(out, LoadedAsset{Handle: h, Name: name, Value: value})
	}
	s.syncGaugesLocked(b.Dependencies)
	return out, nil
}

func (s *Session) resolveLocked(bundle, asset string) (*registry.LoadedBundle, any, error) {
	b, ok := s.reg.Get(bundle)
	if !ok || b.Payload == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrBundleNotLoaded, bundle)
	}
	value, ok := b.Payload.Asset(asset)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s in %s", ErrAssetNotFound, asset, bundle)
	}
	return b, value, nil
}

// Instantiate creates an object from the asset behind h and tracks it
// under owner with the same bundle attribution.
func (s *Session) Instantiate(owner any, h tracking.Handle) (tracking.Handle, any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.table.Info(h)
	if !ok {
		return tracking.InvalidHandle, nil, s.violation("instantiate", tracking.ErrInvalidHandle)
	}
	inst, err := s.instantiate.Instantiate(info.Asset)
	if err != nil {
		return tracking.InvalidHandle, nil, fmt.Errorf("instantiate %v from %s: %w", info.Asset, info.Bundle, err)
	}
	nh, err := s.table.TrackInstance(h, owner, inst)
	if err != nil {
		return tracking.InvalidHandle, nil, err
	}
	s.syncGaugesLocked(info.Dependencies)
	return nh, inst, nil
}

// TrackExplicit adds a reference to h's asset that lives until released.
func (s *Session) TrackExplicit(h tracking.Handle) (tracking.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nh, err := s.table.TrackExplicit(h)
	if err != nil {
		return tracking.InvalidHandle, s.violation("track explicit", err)
	}
	s.syncTrackedLocked(nh)
	return nh, nil
}

// TrackWithOwner adds a reference to h's asset owned by owner.
func (s *Session) TrackWithOwner(h tracking.Handle, owner any) (tracking.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nh, err := s.table.TrackWithOwner(h, owner)
	if err != nil {
		return tracking.InvalidHandle, s.violation("track with owner", err)
	}
	s.syncTrackedLocked(nh)
	return nh, nil
}

// ChangeOwner repoints h at owner. Reference counts do not change.
func (s *Session) ChangeOwner(h tracking.Handle, owner any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.table.ChangeOwner(h, owner); err != nil {
		return s.violation("change owner", err)
	}
	return nil
}

// Release drops h. Bundles whose count reaches zero are reloaded from the
// next Tick.
func (s *Session) Release(h tracking.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.table.Info(h)
	if !ok {
		return s.violation("release", tracking.ErrInvalidHandle)
	}
	if err := s.table.Release(h); err != nil {
		return s.violation("release", err)
	}
	s.syncGaugesLocked(info.Dependencies)
	return nil
}

func (s *Session) syncTrackedLocked(h tracking.Handle) {
	if s.metrics == nil {
		return
	}
	info, _ := s.table.Info(h)
	s.syncGaugesLocked(info.Dependencies)
}

// RefCount returns the current reference count of bundle.
func (s *Session) RefCount(bundle string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledger.Count(bundle)
}

// Tracked returns the number of live tracking entries.
func (s *Session) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.Len()
}

// Bundle returns a copy of the loaded bundle record for name.
func (s *Session) Bundle(name string) (registry.LoadedBundle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.reg.Get(name)
	if !ok {
		return registry.LoadedBundle{}, false
	}
	out := *b
	out.Dependencies = append([]string(nil), b.Dependencies...)
	return out, true
}

// BundleNames returns the loaded bundle names, sorted.
func (s *Session) BundleNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reg.Names()
}

// SceneLoaded tracks the bundle backing scenePath with scene as the owner.
func (s *Session) SceneLoaded(scene any, scenePath string) (tracking.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.orch.Initialized() {
		return tracking.InvalidHandle, s.violation("scene loaded", ErrNotInitialized)
	}
	name, ok := s.reg.SceneBundle(scenePath)
	if !ok {
		return tracking.InvalidHandle, fmt.Errorf("%w: %s", ErrSceneNotFound, scenePath)
	}
	b, _ := s.reg.Get(name)
	h := s.table.Track(scene, scenePath, name, b.Dependencies, false)
	s.syncGaugesLocked(b.Dependencies)
	return h, nil
}

// SceneUnloaded releases every entry owned by scene and returns how many
// there were.
func (s *Session) SceneUnloaded(scene any) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deps []string
	for _, info := range s.table.Owned(scene) {
		deps = append(deps, info.Dependencies...)
	}
	n := s.table.ReleaseOwner(scene)
	if n > 0 {
		s.syncGaugesLocked(deps)
	}
	return n
}

// AssetRequest is an asynchronous load. The tracked entry is released
// automatically unless Claim is called within the auto-release timeout of
// completion.
type AssetRequest struct {
	*task.Task[any]
	s      *Session
	handle tracking.Handle
}

// LoadAsync resolves asset on the next Tick.
func (s *Session) LoadAsync(bundle, asset string) *AssetRequest {
	req := &AssetRequest{Task: task.New[any](s.post, nil), s: s}
	s.post(func() { s.completeRequest(req, bundle, asset) })
	return req
}

func (s *Session) completeRequest(req *AssetRequest, bundle, asset string) {
	s.mu.Lock()
	if !s.orch.Initialized() {
		s.mu.Unlock()
		req.Complete(nil, task.NotInitialized, ErrNotInitialized)
		return
	}
	b, value, err := s.resolveLocked(bundle, asset)
	if err != nil {
		s.mu.Unlock()
		req.Complete(nil, task.NotFound, err)
		return
	}
	h := s.table.Track(nil, value, b.Name, b.Dependencies, false)
	_ = s.table.MarkPending(h)
	req.handle = h
	s.syncGaugesLocked(b.Dependencies)
	s.mu.Unlock()
	req.Complete(value, task.Success, nil)
}

// Handle returns the tracked entry of a finished request.
func (r *AssetRequest) Handle() tracking.Handle {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.handle
}

// Claim stops the auto-release timer and hands the entry to owner. A nil
// owner keeps it until released explicitly.
func (r *AssetRequest) Claim(owner any) (tracking.Handle, error) {
	if !r.IsDone() {
		return tracking.InvalidHandle, ErrNotReady
	}
	if _, code, err := r.Result(); code != task.Success {
		return tracking.InvalidHandle, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if !r.s.table.ClaimPending(r.handle) {
		return tracking.InvalidHandle, ErrRequestExpired
	}
	if err := r.s.table.ChangeOwner(r.handle, owner); err != nil {
		return tracking.InvalidHandle, err
	}
	return r.handle, nil
}
