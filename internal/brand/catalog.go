package brand

import (
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

//go:embed config/*.json
var defaultConfigs embed.FS

// Catalog holds the loaded brand descriptors. Reads are concurrent-safe;
// reloads swap the whole map under the write lock.
type Catalog struct {
	mu      sync.RWMutex
	byID    map[string]*Config
	dir     string
	logger  *zap.Logger
	watcher *watcher
}

// NewCatalog loads the embedded default descriptors, then overlays any
// JSON descriptors found in dir (may be empty for embedded-only).
func NewCatalog(dir string, logger *zap.Logger) (*Catalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Catalog{
		byID:   make(map[string]*Config),
		dir:    dir,
		logger: logger,
	}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// reload rebuilds the descriptor map from embedded defaults plus the
// catalog directory. Directory entries override embedded ones with the
// same brand id.
func (c *Catalog) reload() error {
	loaded := make(map[string]*Config)

	entries, err := defaultConfigs.ReadDir("config")
	if err != nil {
		return fmt.Errorf("read embedded configs: %w", err)
	}
	for _, entry := range entries {
		data, err := defaultConfigs.ReadFile("config/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read embedded config %s: %w", entry.Name(), err)
		}
		cfg, err := parseConfig(data)
		if err != nil {
			return fmt.Errorf("embedded config %s: %w", entry.Name(), err)
		}
		if _, exists := loaded[cfg.BrandID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateID, cfg.BrandID)
		}
		loaded[cfg.BrandID] = cfg
	}

	if c.dir != "" {
		if err := loadDir(c.dir, loaded, c.logger); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.byID = loaded
	c.mu.Unlock()

	c.logger.Info("brand catalog loaded", zap.Int("brands", len(loaded)))
	return nil
}

// loadDir overlays descriptors from a directory. A malformed file is
// logged and skipped so one bad descriptor can't break the catalog.
func loadDir(dir string, into map[string]*Config, logger *zap.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read catalog directory %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("skipping unreadable brand descriptor",
				zap.String("path", path), zap.Error(err))
			continue
		}
		cfg, err := parseConfig(data)
		if err != nil {
			logger.Warn("skipping malformed brand descriptor",
				zap.String("path", path), zap.Error(err))
			continue
		}
		into[cfg.BrandID] = cfg
	}
	return nil
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Get returns the descriptor for a brand id.
func (c *Catalog) Get(brandID string) (*Config, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cfg, ok := c.byID[brandID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBrandNotFound, brandID)
	}
	return cfg, nil
}

// List returns all descriptors ordered by brand id, excluding hidden
// brands.
func (c *Catalog) List() []*Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]*Config, 0, len(c.byID))
	for _, cfg := range c.byID {
		if cfg.Hidden {
			continue
		}
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BrandID < out[j].BrandID })
	return out
}

// NoDedupBrands returns the display names of brands whose orders bypass
// aggregation deduplication.
func (c *Catalog) NoDedupBrands() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var names []string
	for _, cfg := range c.byID {
		if cfg.SkipDedup {
			names = append(names, cfg.BrandName)
		}
	}
	sort.Strings(names)
	return names
}

// Watch starts hot-reloading the catalog directory. No-op when the
// catalog is embedded-only.
func (c *Catalog) Watch() error {
	if c.dir == "" {
		return nil
	}
	w, err := newWatcher(c.dir, c.logger, func() {
		if err := c.reload(); err != nil {
			c.logger.Error("brand catalog reload failed", zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	c.watcher = w
	return nil
}

// Close stops the directory watcher if one is running.
func (c *Catalog) Close() error {
	if c.watcher == nil {
		return nil
	}
	return c.watcher.close()
}
