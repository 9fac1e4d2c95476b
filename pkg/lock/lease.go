// Package lock 基于 Redis 的租约, 保证同一链上只有一个对账写入者
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLeaseNotHeld 租约不属于当前持有者 (已过期或被他人获取)
	ErrLeaseNotHeld = errors.New("lease not held")
	// ErrLeaseBusy 租约被其他实例持有
	ErrLeaseBusy = errors.New("lease held by another owner")
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Leaser 租约管理器
type Leaser struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
}

// NewLeaser 创建租约管理器
func NewLeaser(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *Leaser {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Leaser{client: client, keyPrefix: keyPrefix, ttl: ttl}
}

// Lease 单个租约
type Lease struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
}

// Key 租约 key
func (l *Lease) Key() string { return l.key }

// TryAcquire 非阻塞获取, 被占用时返回 ErrLeaseBusy
func (m *Leaser) TryAcquire(ctx context.Context, name string) (*Lease, error) {
	lease := &Lease{
		client: m.client,
		key:    m.keyPrefix + name,
		token:  uuid.New().String(),
		ttl:    m.ttl,
	}
	ok, err := m.client.SetNX(ctx, lease.key, lease.token, lease.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lease %s: %w", lease.key, err)
	}
	if !ok {
		return nil, ErrLeaseBusy
	}
	return lease, nil
}

// Extend 续期
func (l *Lease) Extend(ctx context.Context) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

// Release 释放, 仅持有者可释放
func (l *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLeaseNotHeld
	}
	return nil
}

// WithLease 在租约保护下执行 fn, 期间按 ttl/3 续期.
// 续期失败时取消 fn 的 context.
func (m *Leaser) WithLease(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	lease, err := m.TryAcquire(ctx, name)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(m.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := lease.Extend(runCtx); err != nil {
					cancel(fmt.Errorf("lease lost: %w", err))
					return
				}
			}
		}
	}()

	fnErr := fn(runCtx)
	close(done)

	releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer releaseCancel()
	_ = lease.Release(releaseCtx)

	if fnErr == nil {
		if cause := context.Cause(runCtx); cause != nil && !errors.Is(cause, context.Canceled) {
			return cause
		}
	}
	return fnErr
}
