package config

// TradeNumberLockEnabled takes a best-effort redis lock on "{prefix}-{yyyymmdd}" while a trade is created.
// It narrows the window for number collisions; the unique index is still the real guard.
//
// Set via env:
// - TRADE_NUMBER_LOCK=false to disable
func TradeNumberLockEnabled() bool {
	return boolFromEnv("TRADE_NUMBER_LOCK", true)
}

// TradeNumberRetries is how many times the HTTP layer re-runs a create that failed with DuplicateNumber.
//
// Set via env:
// - TRADE_NUMBER_RETRIES (default 2, 0 disables)
func TradeNumberRetries() int {
	n := intFromEnv("TRADE_NUMBER_RETRIES", 2)
	if n < 0 {
		return 0
	}
	return n
}

// TradeOutboxDispatchEnabled runs the background dispatcher that publishes trade outbox rows.
//
// Set via env:
// - TRADE_OUTBOX_DISPATCH=false to disable
func TradeOutboxDispatchEnabled() bool {
	return boolFromEnv("TRADE_OUTBOX_DISPATCH", true)
}
