package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	staterrors "github.com/reviewpulse/statcache/pkg/errors"
)

// PrimaryStore adapts a Redis-compatible key/value service as the primary
// cache backend. Every call carries a bounded timeout; a timeout counts as a
// failure for breaker purposes.
type PrimaryStore struct {
	client    redis.UniversalClient
	keyPrefix string
	opTimeout time.Duration
}

// PrimaryOptions configures the primary store connection.
type PrimaryOptions struct {
	Address     string
	Password    string
	DB          int
	KeyPrefix   string
	DialTimeout time.Duration
	OpTimeout   time.Duration
}

// NewPrimaryStore connects to the primary backend. Connection establishment
// is lazy; a down backend surfaces on first use, not at construction.
func NewPrimaryStore(opts PrimaryOptions) *PrimaryStore {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 250 * time.Millisecond
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 2 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        opts.Address,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
		ReadTimeout: opts.OpTimeout,
	})

	return &PrimaryStore{
		client:    client,
		keyPrefix: opts.KeyPrefix,
		opTimeout: opts.OpTimeout,
	}
}

// NewPrimaryStoreWithClient wraps an existing client. Used by tests and by
// deployments sharing a connection pool.
func NewPrimaryStoreWithClient(client redis.UniversalClient, keyPrefix string, opTimeout time.Duration) *PrimaryStore {
	if opTimeout <= 0 {
		opTimeout = 250 * time.Millisecond
	}
	return &PrimaryStore{client: client, keyPrefix: keyPrefix, opTimeout: opTimeout}
}

// Get fetches the raw value for rawKey. A missing key is (nil, false, nil).
func (p *PrimaryStore) Get(ctx context.Context, rawKey string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()

	data, err := p.client.Get(ctx, p.keyPrefix+rawKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, p.wrapError("get", err)
	}
	return data, true, nil
}

// Set stores rawValue under rawKey with the given ttl.
func (p *PrimaryStore) Set(ctx context.Context, rawKey string, rawValue []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()

	if err := p.client.Set(ctx, p.keyPrefix+rawKey, rawValue, ttl).Err(); err != nil {
		return p.wrapError("set", err)
	}
	return nil
}

// Delete removes rawKey. Deleting an absent key is not an error.
func (p *PrimaryStore) Delete(ctx context.Context, rawKey string) error {
	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()

	if err := p.client.Del(ctx, p.keyPrefix+rawKey).Err(); err != nil {
		return p.wrapError("delete", err)
	}
	return nil
}

// Ping checks connectivity, used by the admin health endpoint.
func (p *PrimaryStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.opTimeout)
	defer cancel()

	if err := p.client.Ping(ctx).Err(); err != nil {
		return p.wrapError("ping", err)
	}
	return nil
}

// Client exposes the underlying connection for components sharing the pool,
// such as the distributed lock manager.
func (p *PrimaryStore) Client() redis.UniversalClient {
	return p.client
}

// Close releases the underlying connection pool.
func (p *PrimaryStore) Close() error {
	return p.client.Close()
}

func (p *PrimaryStore) wrapError(op string, err error) error {
	code := staterrors.ErrCodeBackendUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		code = staterrors.ErrCodeBackendTimeout
	}
	return staterrors.New(code, err.Error()).
		WithComponent("primary-cache").
		WithOperation(op).
		WithCause(err)
}
