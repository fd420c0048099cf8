// Package etcd is the etcd (client v3) driver. Entries live under
// <prefix>/<bank>/<key> and are framed with the wire envelope. Because the
// keyspace is path-organized, banks and keys are validated with the same
// path-safety rules as the filesystem driver, which keeps prefix scans exact:
// List("a") never leaks keys from the nested bank "a/b".
package etcd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/unkn0wn-root/bankcache/driver"
	"github.com/unkn0wn-root/bankcache/internal/safepath"
	"github.com/unkn0wn-root/bankcache/internal/wire"
)

func init() {
	driver.Register("etcd", func(ctx context.Context, p driver.Params) (driver.Driver, error) {
		return New(ctx, Config{
			Endpoints:   p.StringSlice("endpoints"),
			Username:    p.String("username", ""),
			Password:    p.String("password", ""),
			DialTimeout: p.Duration("dial_timeout", 0),
			Prefix:      p.String("prefix", ""),
		})
	})
}

type Driver struct {
	cli         *clientv3.Client
	prefix      string
	closeClient bool
}

var _ driver.Driver = (*Driver)(nil)

type Config struct {
	// Client takes precedence over Endpoints; the driver will not close it.
	Client *clientv3.Client

	Endpoints   []string
	Username    string
	Password    string
	DialTimeout time.Duration // 0 => 5s
	Prefix      string        // keyspace prefix; "" => "/bankcache"
}

func New(_ context.Context, cfg Config) (*Driver, error) {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "/bankcache"
	}
	prefix = strings.TrimSuffix(prefix, "/")

	if cfg.Client != nil {
		return &Driver{cli: cfg.Client, prefix: prefix}, nil
	}
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd: endpoints are required")
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: coalesceDur(cfg.DialTimeout, 5*time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("etcd: connect: %w", err)
	}
	return &Driver{cli: cli, prefix: prefix, closeClient: true}, nil
}

func (d *Driver) path(bank, key string) (string, error) {
	if err := safepath.Bank(bank); err != nil {
		return "", fmt.Errorf("%w: %v", driver.ErrInvalidKey, err)
	}
	if key == "" {
		return d.prefix + "/" + bank + "/", nil
	}
	if err := safepath.Key(key); err != nil {
		return "", fmt.Errorf("%w: %v", driver.ErrInvalidKey, err)
	}
	return d.prefix + "/" + bank + "/" + key, nil
}

func (d *Driver) Store(ctx context.Context, bank, key string, data []byte) error {
	path, err := d.path(bank, key)
	if err != nil {
		return err
	}
	_, err = d.cli.Put(ctx, path, string(wire.Encode(time.Now(), data)))
	return err
}

func (d *Driver) Fetch(ctx context.Context, bank, key string) ([]byte, bool, error) {
	path, err := d.path(bank, key)
	if err != nil {
		return nil, false, nil
	}
	resp, err := d.cli.Get(ctx, path)
	if err != nil {
		return nil, false, err
	}
	if len(resp.Kvs) == 0 {
		return nil, false, nil
	}
	_, payload, err := wire.Decode(resp.Kvs[0].Value)
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func (d *Driver) Updated(ctx context.Context, bank, key string) (time.Time, bool, error) {
	path, err := d.path(bank, key)
	if err != nil {
		return time.Time{}, false, nil
	}
	resp, err := d.cli.Get(ctx, path)
	if err != nil {
		return time.Time{}, false, err
	}
	if len(resp.Kvs) == 0 {
		return time.Time{}, false, nil
	}
	mt, err := wire.Mtime(resp.Kvs[0].Value)
	if err != nil {
		return time.Time{}, false, err
	}
	return mt, true, nil
}

func (d *Driver) List(ctx context.Context, bank string) ([]string, error) {
	dir, err := d.path(bank, "")
	if err != nil {
		return []string{}, nil
	}
	resp, err := d.cli.Get(ctx, dir, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		name := strings.TrimPrefix(string(kv.Key), dir)
		if strings.Contains(name, "/") { // nested bank, not a key of this one
			continue
		}
		keys = append(keys, name)
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
	path, err := d.path(bank, key)
	if err != nil {
		return false, nil
	}
	resp, err := d.cli.Get(ctx, path, clientv3.WithCountOnly())
	if err != nil {
		return false, err
	}
	return resp.Count > 0, nil
}

func (d *Driver) Flush(ctx context.Context, bank, key string) error {
	if key == "" {
		dir, err := d.path(bank, "")
		if err != nil {
			return err
		}
		_, err = d.cli.Delete(ctx, dir, clientv3.WithPrefix())
		return err
	}
	path, err := d.path(bank, key)
	if err != nil {
		return err
	}
	_, err = d.cli.Delete(ctx, path)
	return err
}

func (d *Driver) Close(context.Context) error {
	if d.closeClient {
		return d.cli.Close()
	}
	return nil
}

func coalesceDur(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}
