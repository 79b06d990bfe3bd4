package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/produce_ledger/config"
	"github.com/mmdatafocus/produce_ledger/models"
	"github.com/mmdatafocus/produce_ledger/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PublishFunc sends one trade event and returns the broker's message id.
type PublishFunc func(ctx context.Context, msg config.TradeEventMessage) (string, error)

type TradeOutboxDispatcher struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	Publish      PublishFunc
	DispatcherID string

	BatchSize      int
	PollInterval   time.Duration
	LockTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// NewTradeOutboxDispatcher publishes through Pub/Sub when it is configured. Otherwise rows
// are drained as SKIPPED so local databases do not accumulate pending events.
func NewTradeOutboxDispatcher(db *gorm.DB, logger *logrus.Logger) *TradeOutboxDispatcher {
	var publish PublishFunc
	if config.PubSubConfigured() {
		publish = config.PublishTradeEvent
	}
	return &TradeOutboxDispatcher{
		DB:             db,
		Logger:         logger,
		Publish:        publish,
		DispatcherID:   uuid.NewString(),
		BatchSize:      50,
		PollInterval:   500 * time.Millisecond,
		LockTimeout:    30 * time.Second,
		MaxAttempts:    20,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     10 * time.Minute,
	}
}

func (d *TradeOutboxDispatcher) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		d.DispatchOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.PollInterval):
		}
	}
}

// DispatchOnce claims one batch and publishes it. It returns how many rows were claimed.
func (d *TradeOutboxDispatcher) DispatchOnce(ctx context.Context) int {
	if d == nil || d.DB == nil {
		return 0
	}
	now := time.Now().UTC()
	staleBefore := now.Add(-d.LockTimeout)
	// the dispatcher works across businesses
	ctx = utils.SetSkipTenantScopeInContext(ctx, true)

	var claimed []models.TradeOutboxRecord
	err := d.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - PENDING / FAILED and ready to retry
		// - PROCESSING with a stale lock (dispatcher died mid-batch)
		q := tx.
			Where(`
				(
					publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []models.OutboxPublishStatus{models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed}, now,
				models.OutboxPublishStatusProcessing, staleBefore).
			Order("id ASC").
			Limit(d.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			if d.MaxAttempts > 0 && claimed[i].PublishAttempts >= d.MaxAttempts {
				msg := fmt.Sprintf("max publish attempts exceeded (%d)", d.MaxAttempts)
				claimed[i].PublishStatus = models.OutboxPublishStatusDead
				if err := tx.Model(&models.TradeOutboxRecord{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"publish_status":     models.OutboxPublishStatusDead,
					"last_publish_error": &msg,
					"next_attempt_at":    nil,
					"locked_at":          nil,
					"locked_by":          nil,
				}).Error; err != nil {
					return err
				}
				continue
			}

			claimed[i].PublishStatus = models.OutboxPublishStatusProcessing
			claimed[i].PublishAttempts++
			if err := tx.Model(&models.TradeOutboxRecord{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusProcessing,
				"locked_at":          &now,
				"locked_by":          &d.DispatcherID,
				"publish_attempts":   gorm.Expr("publish_attempts + 1"),
				"last_publish_error": nil,
				"next_attempt_at":    nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if d.Logger != nil {
			config.LogError(d.Logger, "TradeOutboxDispatcher", "DispatchOnce", "claim", nil, err)
		}
		return 0
	}

	for _, rec := range claimed {
		if rec.PublishStatus == models.OutboxPublishStatusDead {
			continue
		}
		if d.Publish == nil {
			d.markDone(ctx, rec.ID, models.OutboxPublishStatusSkipped, "", now)
			continue
		}
		pubID, pubErr := d.Publish(ctx, rec.ToTradeEventMessage())
		if pubErr != nil {
			d.markPublishFailed(ctx, rec, pubErr)
			continue
		}
		d.markDone(ctx, rec.ID, models.OutboxPublishStatusSent, pubID, now)
	}
	return len(claimed)
}

func (d *TradeOutboxDispatcher) markDone(ctx context.Context, recordID int, status models.OutboxPublishStatus, pubsubMsgID string, now time.Time) {
	updates := map[string]interface{}{
		"publish_status":  status,
		"published_at":    &now,
		"locked_at":       nil,
		"locked_by":       nil,
		"next_attempt_at": nil,
	}
	if pubsubMsgID != "" {
		updates["pub_sub_message_id"] = &pubsubMsgID
	}
	_ = d.DB.WithContext(ctx).Model(&models.TradeOutboxRecord{}).Where("id = ?", recordID).Updates(updates).Error
}

// publishBackoff doubles InitialBackoff per attempt, capped at MaxBackoff.
func (d *TradeOutboxDispatcher) publishBackoff(attempt int) time.Duration {
	backoff := d.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= d.MaxBackoff {
			return d.MaxBackoff
		}
	}
	return backoff
}

func (d *TradeOutboxDispatcher) markPublishFailed(ctx context.Context, rec models.TradeOutboxRecord, err error) {
	db := d.DB.WithContext(ctx)
	msg := err.Error()
	fields := logrus.Fields{
		"field":          "TradeOutboxDispatcher",
		"business_id":    rec.BusinessId,
		"record_id":      rec.ID,
		"trade_id":       rec.TradeId,
		"attempt":        rec.PublishAttempts,
		"correlation_id": rec.CorrelationId,
	}

	if d.MaxAttempts > 0 && rec.PublishAttempts >= d.MaxAttempts {
		_ = db.Model(&models.TradeOutboxRecord{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
			"publish_status":     models.OutboxPublishStatusDead,
			"last_publish_error": &msg,
			"next_attempt_at":    nil,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error
		if d.Logger != nil {
			d.Logger.WithFields(fields).Error("trade outbox publish moved to DEAD after max attempts: " + msg)
		}
		return
	}

	next := time.Now().UTC().Add(d.publishBackoff(rec.PublishAttempts))
	_ = db.Model(&models.TradeOutboxRecord{}).Where("id = ?", rec.ID).Updates(map[string]interface{}{
		"publish_status":     models.OutboxPublishStatusFailed,
		"last_publish_error": &msg,
		"next_attempt_at":    &next,
		"locked_at":          nil,
		"locked_by":          nil,
	}).Error
	if d.Logger != nil {
		fields["next_attempt_at"] = next.Format(time.RFC3339Nano)
		d.Logger.WithFields(fields).Error("trade outbox publish failed: " + msg)
	}
}
