// Package redis is the Redis driver. Each bank keeps a set of its keys
// (exact List/Contains, no SCAN over the keyspace) and each value is framed
// with the wire envelope so Updated never round-trips the payload.
//
// Key layout, under a configurable prefix:
//
//	<prefix>:idx:<bank>            SET of keys in the bank
//	<prefix>:val:<bank>\x1f<key>   framed payload
package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/bankcache/driver"
	"github.com/unkn0wn-root/bankcache/internal/safepath"
	"github.com/unkn0wn-root/bankcache/internal/wire"
)

var ErrNilClient = errors.New("redis driver: nil client")

// Value keys join bank and key with the unit separator; safepath rejects
// \x1f in both sides, so distinct (bank, key) pairs never alias one value
// key and the index sets stay in step with the values.
const sep = "\x1f"

func init() {
	driver.Register("redis", func(_ context.Context, p driver.Params) (driver.Driver, error) {
		client := goredis.NewClient(&goredis.Options{
			Addr:     p.String("addr", "localhost:6379"),
			Password: p.String("password", ""),
			DB:       p.Int("db", 0),
		})
		return New(Config{Client: client, CloseClient: true, Prefix: p.String("prefix", "")})
	})
}

type Driver struct {
	rdb         goredis.UniversalClient
	prefix      string
	closeClient bool
}

var _ driver.Driver = (*Driver)(nil)

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool   // set true only if this driver exclusively owns the client
	Prefix      string // key prefix; "" => "bankcache"
}

func New(cfg Config) (*Driver, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "bankcache"
	}
	return &Driver{rdb: cfg.Client, prefix: prefix, closeClient: cfg.CloseClient}, nil
}

func (d *Driver) idxKey(bank string) string       { return d.prefix + ":idx:" + bank }
func (d *Driver) joinVal(bank, key string) string { return d.prefix + ":val:" + bank + sep + key }

// valKey validates both identifiers before joining them. Only validated
// names ever reach the value keyspace or the index sets.
func (d *Driver) valKey(bank, key string) (string, error) {
	if err := safepath.Bank(bank); err != nil {
		return "", fmt.Errorf("%w: %v", driver.ErrInvalidKey, err)
	}
	if err := safepath.Key(key); err != nil {
		return "", fmt.Errorf("%w: %v", driver.ErrInvalidKey, err)
	}
	return d.joinVal(bank, key), nil
}

func (d *Driver) Store(ctx context.Context, bank, key string, data []byte) error {
	vk, err := d.valKey(bank, key)
	if err != nil {
		return err
	}
	framed := wire.Encode(time.Now(), data)
	_, err = d.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Set(ctx, vk, framed, 0)
		p.SAdd(ctx, d.idxKey(bank), key)
		return nil
	})
	return err
}

func (d *Driver) Fetch(ctx context.Context, bank, key string) ([]byte, bool, error) {
	vk, err := d.valKey(bank, key)
	if err != nil {
		return nil, false, nil
	}
	b, err := d.rdb.Get(ctx, vk).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil // miss
	}
	if err != nil {
		return nil, false, err // transport/server error
	}
	_, payload, err := wire.Decode(b)
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func (d *Driver) Updated(ctx context.Context, bank, key string) (time.Time, bool, error) {
	vk, err := d.valKey(bank, key)
	if err != nil {
		return time.Time{}, false, nil
	}
	// Only the envelope header is needed; skip the payload bytes entirely.
	b, err := d.rdb.GetRange(ctx, vk, 0, 16).Bytes()
	if err != nil {
		return time.Time{}, false, err
	}
	if len(b) < 17 { // GETRANGE yields "" for missing keys, never redis.Nil
		return time.Time{}, false, nil
	}
	mt, err := wire.Mtime(b)
	if err != nil {
		return time.Time{}, false, err
	}
	return mt, true, nil
}

func (d *Driver) List(ctx context.Context, bank string) ([]string, error) {
	if err := safepath.Bank(bank); err != nil {
		return []string{}, nil
	}
	keys, err := d.rdb.SMembers(ctx, d.idxKey(bank)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (d *Driver) Contains(ctx context.Context, bank, key string) (bool, error) {
	if err := safepath.Bank(bank); err != nil {
		return false, nil
	}
	if key == "" {
		n, err := d.rdb.SCard(ctx, d.idxKey(bank)).Result()
		return n > 0, err
	}
	if err := safepath.Key(key); err != nil {
		return false, nil
	}
	return d.rdb.SIsMember(ctx, d.idxKey(bank), key).Result()
}

func (d *Driver) Flush(ctx context.Context, bank, key string) error {
	if key == "" {
		if err := safepath.Bank(bank); err != nil {
			return fmt.Errorf("%w: %v", driver.ErrInvalidKey, err)
		}
		keys, err := d.rdb.SMembers(ctx, d.idxKey(bank)).Result()
		if err != nil {
			return err
		}
		// Index members were validated at Store time, so join directly.
		_, err = d.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			for _, k := range keys {
				p.Del(ctx, d.joinVal(bank, k))
			}
			p.Del(ctx, d.idxKey(bank))
			return nil
		})
		return err
	}
	vk, err := d.valKey(bank, key)
	if err != nil {
		return err
	}
	_, err = d.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.Del(ctx, vk)
		p.SRem(ctx, d.idxKey(bank), key)
		return nil
	})
	return err
}

// Close releases the underlying redis client only when this driver owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (d *Driver) Close(context.Context) error {
	if d.closeClient {
		if err := d.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
