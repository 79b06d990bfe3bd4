package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/produce_ledger/config"
	"github.com/mmdatafocus/produce_ledger/utils"
	"gorm.io/gorm"
)

// TradeOutboxRecord is written in the same transaction as a trade mutation and published
// after commit by the dispatcher.
type TradeOutboxRecord struct {
	ID               int                 `gorm:"primary_key;index:idx_trade_outbox_dispatch,priority:3" json:"id"`
	BusinessId       string              `gorm:"size:64;not null;index" json:"business_id"`
	TradeId          int                 `gorm:"index;not null" json:"trade_id"`
	TradeType        TradeType           `gorm:"type:enum('PURCHASE','SALE','PRODUCTION');not null" json:"trade_type"`
	TradeNumber      string              `gorm:"size:40" json:"trade_number"`
	Action           TradeOutboxAction   `gorm:"type:enum('CREATE','UPDATE','DELETE');not null" json:"action"`
	Payload          []byte              `gorm:"type:blob" json:"payload"`
	CorrelationId    string              `gorm:"size:64;index" json:"correlation_id"`
	PublishStatus    OutboxPublishStatus `gorm:"size:20;index;not null;default:'PENDING';index:idx_trade_outbox_dispatch,priority:1" json:"publish_status"`
	PublishAttempts  int                 `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time          `gorm:"index:idx_trade_outbox_dispatch,priority:2" json:"next_attempt_at"`
	LockedAt         *time.Time          `gorm:"index" json:"locked_at"`
	LockedBy         *string             `gorm:"size:100" json:"locked_by"`
	LastPublishError *string             `gorm:"type:text" json:"last_publish_error"`
	PubSubMessageId  *string             `gorm:"size:255" json:"pubsub_message_id"`
	PublishedAt      *time.Time          `gorm:"index" json:"published_at"`
	CreatedAt        time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

// writeTradeOutbox snapshots doc (with its lines) into the outbox inside tx.
func writeTradeOutbox(ctx context.Context, tx *gorm.DB, doc *TradeDocument, action TradeOutboxAction) error {
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	record := TradeOutboxRecord{
		BusinessId:    doc.BusinessId,
		TradeId:       doc.ID,
		TradeType:     doc.TradeType,
		TradeNumber:   doc.TradeNumber,
		Action:        action,
		Payload:       payload,
		CorrelationId: correlationIdFromContextOrNew(ctx),
		PublishStatus: OutboxPublishStatusPending,
	}
	return tx.Create(&record).Error
}

// snapshotTrade reloads doc with lines in declaration order for the outbox payload.
func snapshotTrade(tx *gorm.DB, id int) (*TradeDocument, error) {
	var doc TradeDocument
	err := tx.Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("sequence_no, id") }).
		Where("id = ?", id).
		First(&doc).Error
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if ctx != nil {
		if v, ok := utils.GetCorrelationIdFromContext(ctx); ok && v != "" {
			return v
		}
	}
	return uuid.NewString()
}

// ToTradeEventMessage converts an outbox row into its published form.
func (r TradeOutboxRecord) ToTradeEventMessage() config.TradeEventMessage {
	return config.TradeEventMessage{
		RecordId:      r.ID,
		BusinessId:    r.BusinessId,
		TradeId:       r.TradeId,
		TradeType:     string(r.TradeType),
		TradeNumber:   r.TradeNumber,
		Action:        string(r.Action),
		Payload:       r.Payload,
		CorrelationId: r.CorrelationId,
		OccurredAt:    r.CreatedAt,
	}
}

type TradeOutboxFilter struct {
	BusinessId string
	Statuses   []OutboxPublishStatus
	Ids        []int
	Limit      int
}

// ListTradeOutbox returns outbox rows matching filter, oldest first.
func ListTradeOutbox(ctx context.Context, db *gorm.DB, filter TradeOutboxFilter) ([]TradeOutboxRecord, error) {
	q := db.WithContext(ctx).Model(&TradeOutboxRecord{})
	if filter.BusinessId != "" {
		q = q.Where("business_id = ?", filter.BusinessId)
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("publish_status IN ?", filter.Statuses)
	}
	if len(filter.Ids) > 0 {
		q = q.Where("id IN ?", filter.Ids)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var records []TradeOutboxRecord
	err := q.Order("id ASC").Find(&records).Error
	return records, err
}

// RequeueTradeOutbox puts the given rows back to PENDING so the dispatcher picks them up again.
func RequeueTradeOutbox(ctx context.Context, db *gorm.DB, ids []int) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result := db.WithContext(ctx).Model(&TradeOutboxRecord{}).
		Where("id IN ? AND publish_status <> ?", ids, OutboxPublishStatusProcessing).
		Updates(map[string]interface{}{
			"publish_status":     OutboxPublishStatusPending,
			"publish_attempts":   0,
			"next_attempt_at":    nil,
			"last_publish_error": nil,
			"locked_at":          nil,
			"locked_by":          nil,
		})
	return result.RowsAffected, result.Error
}
