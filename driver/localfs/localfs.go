// Package localfs is the filesystem driver: one file per key under
// root/bank/.../key. Last-write times come from file mtimes, so external
// tooling can inspect and manipulate entries directly.
//
// Containment is a hard invariant: every resolved path stays inside the
// configured root. Writes with an unsafe bank or key fail with
// driver.ErrInvalidKey; reads with unsafe names report absent instead of
// reaching outside the root.
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/unkn0wn-root/bankcache/driver"
	"github.com/unkn0wn-root/bankcache/internal/safepath"
)

func init() {
	driver.Register("localfs", func(_ context.Context, p driver.Params) (driver.Driver, error) {
		return New(Config{Root: p.String("root", "")})
	})
}

type Driver struct {
	root string
}

var _ driver.Driver = (*Driver)(nil)

type Config struct {
	// Root is the cache directory. Created if missing.
	Root string
}

func New(cfg Config) (*Driver, error) {
	if cfg.Root == "" {
		return nil, errors.New("localfs: root directory is required")
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("localfs: resolve root: %w", err)
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("localfs: create root: %w", err)
	}
	return &Driver{root: root}, nil
}

// Root returns the resolved cache root directory.
func (d *Driver) Root() string { return d.root }

func (d *Driver) bankDir(bank string) (string, error) {
	if err := safepath.Bank(bank); err != nil {
		return "", fmt.Errorf("%w: %v", driver.ErrInvalidKey, err)
	}
	return filepath.Join(d.root, filepath.FromSlash(bank)), nil
}

func (d *Driver) keyPath(bank, key string) (string, error) {
	dir, err := d.bankDir(bank)
	if err != nil {
		return "", err
	}
	if err := safepath.Key(key); err != nil {
		return "", fmt.Errorf("%w: %v", driver.ErrInvalidKey, err)
	}
	return filepath.Join(dir, key), nil
}

func (d *Driver) Store(_ context.Context, bank, key string, data []byte) error {
	path, err := d.keyPath(bank, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("localfs: create bank %s: %w", bank, err)
	}
	// Write-then-rename so readers never observe a torn payload.
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+key+".tmp*")
	if err != nil {
		return fmt.Errorf("localfs: store %s/%s: %w", bank, key, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("localfs: store %s/%s: %w", bank, key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("localfs: store %s/%s: %w", bank, key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("localfs: store %s/%s: %w", bank, key, err)
	}
	return nil
}

func (d *Driver) Fetch(_ context.Context, bank, key string) ([]byte, bool, error) {
	path, err := d.keyPath(bank, key)
	if err != nil {
		return nil, false, nil // unsafe names report absent on reads
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("localfs: fetch %s/%s: %w", bank, key, err)
	}
	return b, true, nil
}

func (d *Driver) Updated(_ context.Context, bank, key string) (time.Time, bool, error) {
	path, err := d.keyPath(bank, key)
	if err != nil {
		return time.Time{}, false, nil
	}
	fi, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("localfs: updated %s/%s: %w", bank, key, err)
	}
	return fi.ModTime(), true, nil
}

func (d *Driver) List(_ context.Context, bank string) ([]string, error) {
	dir, err := d.bankDir(bank)
	if err != nil {
		return []string{}, nil
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("localfs: list %s: %w", bank, err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() { // nested banks are not keys
			continue
		}
		keys = append(keys, e.Name())
	}
	sort.Strings(keys)
	return keys, nil
}

func (d *Driver) Contains(ctx context.Context, bank, key string) (bool, error) {
	if key == "" {
		keys, err := d.List(ctx, bank)
		if err != nil {
			return false, err
		}
		return len(keys) > 0, nil
	}
	path, err := d.keyPath(bank, key)
	if err != nil {
		return false, nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("localfs: contains %s/%s: %w", bank, key, err)
	}
	return true, nil
}

func (d *Driver) Flush(_ context.Context, bank, key string) error {
	if key == "" {
		dir, err := d.bankDir(bank)
		if err != nil {
			return err
		}
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("localfs: flush %s: %w", bank, err)
		}
		return nil
	}
	path, err := d.keyPath(bank, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("localfs: flush %s/%s: %w", bank, key, err)
	}
	return nil
}

func (d *Driver) Close(context.Context) error { return nil }
