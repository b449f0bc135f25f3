package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"govwatch/internal/domain"
)

const defaultMirrorTTL = 24 * time.Hour

type RedisOptions struct {
	// Addr is host:port or a redis:// URL.
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// NewRedisClient dials and pings redis.
func NewRedisClient(ctx context.Context, o RedisOptions) (*redis.Client, error) {
	var opts *redis.Options
	if strings.Contains(o.Addr, "://") {
		parsed, err := redis.ParseURL(o.Addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: o.Addr, DB: o.DB}
	}
	if o.Password != "" {
		opts.Password = o.Password
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisMirror stores each snapshot as a JSON string under prefix+"snap:"+key.
type RedisMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisMirror(client *redis.Client, prefix string, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = defaultMirrorTTL
	}
	if prefix == "" {
		prefix = "govwatch:"
	}
	return &RedisMirror{client: client, prefix: prefix, ttl: ttl}
}

func (m *RedisMirror) key(protocol string, class domain.MetricClass) string {
	return m.prefix + "snap:" + domain.UnitKey(protocol, class)
}

func (m *RedisMirror) Save(ctx context.Context, snap domain.MetricSnapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := m.client.Set(ctx, m.key(snap.Protocol, snap.Class), b, m.ttl).Err(); err != nil {
		return fmt.Errorf("mirror snapshot: %w", err)
	}
	return nil
}

func (m *RedisMirror) Load(ctx context.Context, protocol string, class domain.MetricClass) (domain.MetricSnapshot, bool, error) {
	b, err := m.client.Get(ctx, m.key(protocol, class)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.MetricSnapshot{}, false, nil
	}
	if err != nil {
		return domain.MetricSnapshot{}, false, fmt.Errorf("load mirrored snapshot: %w", err)
	}
	var snap domain.MetricSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return domain.MetricSnapshot{}, false, fmt.Errorf("decode mirrored snapshot: %w", err)
	}
	return snap, true, nil
}
