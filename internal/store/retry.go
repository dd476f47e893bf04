package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"autotrader/internal/config"
)

// ErrContention 表示存储层经历有限次重试后仍处于争用状态。
var ErrContention = errors.New("存储争用重试次数耗尽")

// Retryer 是所有带副作用的存储操作的重试中间件。
// 只读的条件评估不应经过该路径。
type Retryer struct {
	cfg    config.RetryConfig
	logger *zap.Logger

	// OnRetry 在每次重试前调用，用于指标上报。
	OnRetry func()
}

// NewRetryer 创建存储重试中间件。
func NewRetryer(cfg config.RetryConfig, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = 50 * time.Millisecond
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	return &Retryer{cfg: cfg, logger: logger}
}

// Do 执行 fn，对可重试的瞬时争用错误做有界退避重试。
// 非争用错误直接透传；重试耗尽后返回包装了 ErrContention 的错误。
func (r *Retryer) Do(ctx context.Context, op string, fn func() error) error {
	var err error
	delay := r.cfg.MinDelay

	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !IsBusy(err) {
			return err
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}

		if r.OnRetry != nil {
			r.OnRetry()
		}

		// 抖动退避，避免多个写入方步调一致地再次撞车。
		wait := delay + time.Duration(rand.Int63n(int64(delay)+1))
		if wait > r.cfg.MaxDelay {
			wait = r.cfg.MaxDelay
		}
		r.logger.Warn("存储操作争用，准备重试",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		delay *= 2
		if delay > r.cfg.MaxDelay {
			delay = r.cfg.MaxDelay
		}
	}

	return fmt.Errorf("%s: %w: %w", op, ErrContention, err)
}

// IsBusy 判断错误是否属于 SQLite 的瞬时争用类错误。
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}
