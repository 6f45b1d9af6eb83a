package ml

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/SuperSonnix71/Xnake/internal/fileutil"
)

// File names inside a version directory, plus the marker naming the active
// version.
const (
	modelFile   = "model.json"
	normFile    = "normalization.json"
	metricsFile = "metrics.json"
	activeFile  = "active"
)

// ErrNoVersions is returned when the registry holds no model at all.
var ErrNoVersions = errors.New("ml: no model versions")

// Registry persists model versions under a base directory, one directory
// per version, with a single marker file naming the active one. Version
// names embed their creation time so lexical order is creation order.
type Registry struct {
	logger *log.Logger
	dir    string

	mu sync.Mutex
}

// NewRegistry opens (creating if needed) a model registry rooted at dir.
func NewRegistry(logger *log.Logger, dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ml: create registry dir: %w", err)
	}
	return &Registry{logger: logger.WithPrefix("registry"), dir: dir}, nil
}

// NewVersionName mints a registry version name from the given time.
func NewVersionName(t time.Time) string {
	return "v" + t.UTC().Format("20060102T150405.000")
}

// versionDoc is the metrics.json layout.
type versionDoc struct {
	Version   string    `json:"version"`
	TrainedAt time.Time `json:"trained_at"`
	Metrics   Metrics   `json:"metrics"`
}

// VersionInfo describes one stored version.
type VersionInfo struct {
	Version   string    `json:"version"`
	TrainedAt time.Time `json:"trained_at"`
	Metrics   Metrics   `json:"metrics"`
	Active    bool      `json:"active"`
}

// VersionDir returns the directory a version's artifacts live in.
func (r *Registry) VersionDir(version string) string {
	return filepath.Join(r.dir, version)
}

// Save writes the bundle's artifacts to its version directory. It does not
// change which version is active.
func (r *Registry) Save(b *Bundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dir := r.VersionDir(b.Version)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ml: create version dir: %w", err)
	}
	if err := fileutil.WriteJSONAtomic(filepath.Join(dir, modelFile), b.Net, 0o644); err != nil {
		return err
	}
	if err := fileutil.WriteJSONAtomic(filepath.Join(dir, normFile), b.Norm, 0o644); err != nil {
		return err
	}
	doc := versionDoc{Version: b.Version, TrainedAt: b.TrainedAt, Metrics: b.Metrics}
	if err := fileutil.WriteJSONAtomic(filepath.Join(dir, metricsFile), doc, 0o644); err != nil {
		return err
	}
	r.logger.Debug("model version saved", "version", b.Version)
	return nil
}

// SetActive marks a stored version as the active one.
func (r *Registry) SetActive(version string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := os.Stat(r.VersionDir(version)); err != nil {
		return fmt.Errorf("ml: version %s not in registry: %w", version, err)
	}
	if err := fileutil.WriteFileAtomic(filepath.Join(r.dir, activeFile), []byte(version+"\n"), 0o644); err != nil {
		return err
	}
	r.logger.Info("active model changed", "version", version)
	return nil
}

// ActiveVersion returns the name of the active version, if any.
func (r *Registry) ActiveVersion() (string, bool) {
	data, err := os.ReadFile(filepath.Join(r.dir, activeFile))
	if err != nil {
		return "", false
	}
	version := strings.TrimSpace(string(data))
	return version, version != ""
}

// Load reads a stored version back into a bundle.
func (r *Registry) Load(version string) (*Bundle, error) {
	dir := r.VersionDir(version)

	net := &Network{}
	if err := fileutil.ReadJSON(filepath.Join(dir, modelFile), net); err != nil {
		return nil, fmt.Errorf("ml: load model %s: %w", version, err)
	}
	var norm Normalization
	if err := fileutil.ReadJSON(filepath.Join(dir, normFile), &norm); err != nil {
		return nil, fmt.Errorf("ml: load normalization %s: %w", version, err)
	}
	var doc versionDoc
	if err := fileutil.ReadJSON(filepath.Join(dir, metricsFile), &doc); err != nil {
		return nil, fmt.Errorf("ml: load metrics %s: %w", version, err)
	}
	return &Bundle{
		Version:   version,
		TrainedAt: doc.TrainedAt,
		Net:       net,
		Norm:      norm,
		Metrics:   doc.Metrics,
	}, nil
}

// LoadActive loads the active bundle. A registry with no active version
// returns (nil, nil); the predictor simply stays uninformative.
func (r *Registry) LoadActive() (*Bundle, error) {
	version, ok := r.ActiveVersion()
	if !ok {
		return nil, nil
	}
	return r.Load(version)
}

// List returns every stored version in creation order.
func (r *Registry) List() ([]VersionInfo, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("ml: list registry: %w", err)
	}
	active, _ := r.ActiveVersion()

	var out []VersionInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		var doc versionDoc
		if err := fileutil.ReadJSON(filepath.Join(r.dir, e.Name(), metricsFile), &doc); err != nil {
			r.logger.Warn("skipping unreadable model version", "version", e.Name(), "err", err)
			continue
		}
		out = append(out, VersionInfo{
			Version:   e.Name(),
			TrainedAt: doc.TrainedAt,
			Metrics:   doc.Metrics,
			Active:    e.Name() == active,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}
