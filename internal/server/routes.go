// Package server serves published bundles over HTTP and announces new
// publishes on a websocket.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bundlekit/internal/manifest"
	"bundlekit/internal/origin"
	"bundlekit/internal/watch"
)

type Deps struct {
	// Store holds the published tree, <target>/<bundle> and
	// <target>/Manifest.json.
	Store    *origin.DirStore
	// Cache, when set, serves bundle payloads from memory. It is purged on
	// every publish.
	Cache    *origin.CachedStore
	Hub      *watch.Hub
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

func NewMux(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	mux := http.NewServeMux()

	mux.Handle("/bundles/", http.StripPrefix("/bundles/", bundleHandler(d)))
	mux.Handle("/ws/publish", d.Hub)
	mux.Handle("/publish", publishHandler(d))
	if d.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	return CORS(mux)
}

func bundleHandler(d Deps) http.Handler {
	files := http.FileServer(http.Dir(d.Store.Root()))
	if d.Cache == nil {
		return files
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := path.Base(r.URL.Path)
		if r.Method != http.MethodGet || name == manifest.FileName || strings.HasSuffix(r.URL.Path, "/") {
			files.ServeHTTP(w, r)
			return
		}
		raw, err := d.Cache.Get(r.Context(), r.URL.Path)
		if err != nil {
			if !errors.Is(err, origin.ErrNotFound) {
				d.Logger.Warn("cached read failed", "path", r.URL.Path, "error", err)
			}
			files.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(raw))
	})
}

type publishRequest struct {
	BuildTarget string `json:"buildTarget"`
}

// publishHandler reads the current manifest of a build target and
// broadcasts its global hash.
func publishHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var in publishRequest
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "invalid json body", http.StatusBadRequest)
			return
		}
		target := strings.TrimSpace(in.BuildTarget)
		if target == "" {
			http.Error(w, "buildTarget is required", http.StatusBadRequest)
			return
		}
		raw, err := d.Store.Get(r.Context(), origin.Join(target, manifest.FileName))
		if errors.Is(err, origin.ErrNotFound) {
			http.Error(w, "no manifest for "+target, http.StatusNotFound)
			return
		}
		if err != nil {
			d.Logger.Error("read manifest failed", "target", target, "error", err)
			http.Error(w, "read manifest failed", http.StatusInternalServerError)
			return
		}
		m, err := manifest.TryParse(raw)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		if d.Cache != nil {
			d.Cache.Purge()
		}
		n := d.Hub.Broadcast(watch.Notification{
			Type:        watch.TypePublished,
			BuildTarget: m.BuildTarget,
			GlobalHash:  m.GlobalHash,
			PublishedAt: time.UnixMilli(m.BuildTime).UTC(),
		})
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":          true,
			"globalHash":  m.GlobalHash,
			"subscribers": n,
		})
	}
}
