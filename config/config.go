// Package config loads cache settings from YAML and composes the driver
// registry into a ready cache. A minimal file:
//
//	driver: redis
//	expire: 3600
//	memcache:
//	  max_entries: 4096
//	drivers:
//	  redis:
//	    addr: "127.0.0.1:6379"
//	  localfs:
//	    root: /var/cache/bank
//
// Only the section for the selected driver is consulted; the others may stay
// in the file for switching back and forth.
package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/bankcache"
	c "github.com/unkn0wn-root/bankcache/codec"
	"github.com/unkn0wn-root/bankcache/driver"
)

// Defaults applied by Parse when the file leaves them out.
const (
	DefaultDriver        = "localfs"
	DefaultExpireSeconds = 86400
)

// Error marks a configuration problem: a selected backend that is missing,
// misconfigured, or unreachable at startup. Fatal; never retried.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "config: " + e.Reason
	}
	return fmt.Sprintf("config: %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// MemCache bounds for the in-process tier.
type MemCache struct {
	// Expire is the default staleness window in seconds. 0 keeps the
	// library default.
	Expire int `yaml:"expire"`

	// MaxEntries bounds the map. 0 keeps the library default.
	MaxEntries int `yaml:"max_entries"`
}

type Config struct {
	// Driver selects the active backend by registry name.
	Driver string `yaml:"driver"`

	// Expire is the default staleness window in seconds.
	Expire int `yaml:"expire"`

	MemCache MemCache `yaml:"memcache"`

	// Drivers maps driver name to its connection parameters. Only the
	// selected driver's section is used.
	Drivers map[string]map[string]any `yaml:"drivers"`
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Reason: fmt.Sprintf("read %s", path), Err: err}
	}
	return Parse(raw)
}

// Parse decodes YAML and applies defaults.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, &Error{Reason: "parse yaml", Err: err}
	}
	if cfg.Driver == "" {
		cfg.Driver = DefaultDriver
	}
	if cfg.Expire == 0 {
		cfg.Expire = DefaultExpireSeconds
	}
	return &cfg, nil
}

// ExpireDuration returns the default staleness window.
func (c *Config) ExpireDuration() time.Duration {
	return time.Duration(c.Expire) * time.Second
}

// Params returns the selected driver's parameter section, never nil.
func (c *Config) Params() driver.Params {
	if p, ok := c.Drivers[c.Driver]; ok {
		return driver.Params(p)
	}
	return driver.Params{}
}

// OpenDriver opens the selected backend through the registry.
func (c *Config) OpenDriver(ctx context.Context) (driver.Driver, error) {
	d, err := driver.Open(ctx, c.Driver, c.Params())
	if err != nil {
		return nil, &Error{Reason: fmt.Sprintf("open driver %q", c.Driver), Err: err}
	}
	return d, nil
}

// Open builds a cache from the config: opens the selected driver and wires
// it with the given codec. The cache owns the driver; Close closes both.
func Open[V any](ctx context.Context, cfg *Config, codec c.Codec[V]) (bankcache.Cache[V], error) {
	d, err := cfg.OpenDriver(ctx)
	if err != nil {
		return nil, err
	}
	cc, err := bankcache.New[V](bankcache.Options[V]{
		Driver:      d,
		Codec:       codec,
		Expire:      cfg.ExpireDuration(),
		CloseDriver: true,
	})
	if err != nil {
		_ = d.Close(ctx)
		return nil, err
	}
	return cc, nil
}

// OpenTiered builds a tiered cache over the selected driver, applying the
// memcache bounds to its L1.
func OpenTiered[V any](ctx context.Context, cfg *Config, codec c.Codec[V]) (*bankcache.Tiered[V], error) {
	d, err := cfg.OpenDriver(ctx)
	if err != nil {
		return nil, err
	}
	expire := cfg.ExpireDuration()
	if cfg.MemCache.Expire > 0 {
		expire = time.Duration(cfg.MemCache.Expire) * time.Second
	}
	tc, err := bankcache.NewTiered[V](bankcache.TieredOptions[V]{
		Driver:      d,
		Codec:       codec,
		Expire:      expire,
		MaxEntries:  cfg.MemCache.MaxEntries,
		CloseDriver: true,
	})
	if err != nil {
		_ = d.Close(ctx)
		return nil, err
	}
	return tc, nil
}
