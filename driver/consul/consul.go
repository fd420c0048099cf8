// Package consul is the Consul KV driver. Entries live under
// <prefix>/<bank>/<key> and are framed with the wire envelope. Like the etcd
// driver, banks and keys get path-safety validation so prefix listings are
// exact.
package consul

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	capi "github.com/hashicorp/consul/api"

	"github.com/unkn0wn-root/bankcache/driver"
	"github.com/unkn0wn-root/bankcache/internal/safepath"
	"github.com/unkn0wn-root/bankcache/internal/wire"
)

func init() {
	driver.Register("consul", func(_ context.Context, p driver.Params) (driver.Driver, error) {
		return New(Config{
			Address:    p.String("address", ""),
			Token:      p.String("token", ""),
			Datacenter: p.String("datacenter", ""),
			Prefix:     p.String("prefix", ""),
		})
	})
}

type Driver struct {
	kv     *capi.KV
	prefix string
}

var _ driver.Driver = (*Driver)(nil)

type Config struct {
	// Client takes precedence over Address/Token/Datacenter.
	Client *capi.Client

	Address    string // host:port of the local agent; "" => consul defaults
	Token      string
	Datacenter string
	Prefix     string // KV prefix; "" => "bankcache"
}

func New(cfg Config) (*Driver, error) {
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix == "" {
		prefix = "bankcache"
	}

	client := cfg.Client
	if client == nil {
		conf := capi.DefaultConfig()
		if cfg.Address != "" {
			conf.Address = cfg.Address
		}
		if cfg.Token != "" {
			conf.Token = cfg.Token
		}
		if cfg.Datacenter != "" {
			conf.Datacenter = cfg.Datacenter
		}
		var err error
		client, err = capi.NewClient(conf)
		if err != nil {
			return nil, fmt.Errorf("consul: connect: %w", err)
		}
	}
	return &Driver{kv: client.KV(), prefix: prefix}, nil
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
	pair := &capi.KVPair{Key: path, Value: wire.Encode(time.Now(), data)}
	_, err = d.kv.Put(pair, (&capi.WriteOptions{}).WithContext(ctx))
	return err
}

func (d *Driver) Fetch(ctx context.Context, bank, key string) ([]byte, bool, error) {
	path, err := d.path(bank, key)
	if err != nil {
		return nil, false, nil
	}
	pair, _, err := d.kv.Get(path, (&capi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, false, err
	}
	if pair == nil {
		return nil, false, nil
	}
	_, payload, err := wire.Decode(pair.Value)
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
	pair, _, err := d.kv.Get(path, (&capi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return time.Time{}, false, err
	}
	if pair == nil {
		return time.Time{}, false, nil
	}
	mt, err := wire.Mtime(pair.Value)
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
	names, _, err := d.kv.Keys(dir, "", (&capi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(names))
	for _, name := range names {
		name = strings.TrimPrefix(name, dir)
		if name == "" || strings.Contains(name, "/") {
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
	pair, _, err := d.kv.Get(path, (&capi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return false, err
	}
	return pair != nil, nil
}

func (d *Driver) Flush(ctx context.Context, bank, key string) error {
	if key == "" {
		dir, err := d.path(bank, "")
		if err != nil {
			return err
		}
		_, err = d.kv.DeleteTree(dir, (&capi.WriteOptions{}).WithContext(ctx))
		return err
	}
	path, err := d.path(bank, key)
	if err != nil {
		return err
	}
	_, err = d.kv.Delete(path, (&capi.WriteOptions{}).WithContext(ctx))
	return err
}

// Close is a no-op: the consul client rides on a shared HTTP transport.
func (d *Driver) Close(context.Context) error { return nil }
