package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/mmdatafocus/produce_ledger/config"
)

const tradeNumberLockTTL = 15 * time.Second

// TradeNumberLock obtains a short redis lock on the number key of a trade being created.
// It is best-effort: when redis is not ready or the lock is held elsewhere after a short
// wait, the returned release func is a no-op and the caller continues. The unique index on
// trade numbers stays the real guard.
func TradeNumberLock(ctx context.Context, businessId string, numberKey string) (release func()) {
	noop := func() {}
	if !config.TradeNumberLockEnabled() {
		return noop
	}
	locker := config.GetRedisLock()
	if locker == nil {
		return noop
	}

	logger := config.GetLogger()
	lockKey := fmt.Sprintf("trade-number:%s:%s", businessId, numberKey)
	lock, err := locker.Obtain(ctx, lockKey, tradeNumberLockTTL, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(50*time.Millisecond), 20),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		config.LogRejected(logger, "utils", "TradeNumberLock", "LockNotObtained", lockKey, err)
		return noop
	} else if err != nil {
		config.LogError(logger, "utils", "TradeNumberLock", "Obtain", lockKey, err)
		return noop
	}

	return func() {
		// the caller's ctx may already be done once the transaction finished
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}
}
