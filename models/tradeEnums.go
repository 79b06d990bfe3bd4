package models

type TradeType string

const (
	TradeTypePurchase   TradeType = "PURCHASE"
	TradeTypeSale       TradeType = "SALE"
	TradeTypeProduction TradeType = "PRODUCTION"
)

func (t TradeType) IsValid() bool {
	switch t {
	case TradeTypePurchase, TradeTypeSale, TradeTypeProduction:
		return true
	}
	return false
}

// NumberPrefix is the leading part of a rendered trade number.
func (t TradeType) NumberPrefix() string {
	switch t {
	case TradeTypePurchase:
		return "PUR"
	case TradeTypeSale:
		return "SAL"
	case TradeTypeProduction:
		return "PRO"
	}
	return ""
}

type TradeStatus string

const (
	TradeStatusDraft     TradeStatus = "DRAFT"
	TradeStatusConfirmed TradeStatus = "CONFIRMED"
	TradeStatusCancelled TradeStatus = "CANCELLED"
)

func (s TradeStatus) IsValid() bool {
	switch s {
	case TradeStatusDraft, TradeStatusConfirmed, TradeStatusCancelled:
		return true
	}
	return false
}

type MatchingStatus string

const (
	MatchingStatusUnmatched MatchingStatus = "UNMATCHED"
	MatchingStatusPartial   MatchingStatus = "PARTIAL"
	MatchingStatusMatched   MatchingStatus = "MATCHED"
)

type LotStatus string

const (
	LotStatusAvailable LotStatus = "AVAILABLE"
	LotStatusDepleted  LotStatus = "DEPLETED"
)

type AuditStatus string

const (
	AuditStatusInProgress AuditStatus = "IN_PROGRESS"
	AuditStatusCompleted  AuditStatus = "COMPLETED"
)

type LotAdjustmentReason string

const (
	LotAdjustmentReasonTransferOut     LotAdjustmentReason = "TRANSFER_OUT"
	LotAdjustmentReasonTransferIn      LotAdjustmentReason = "TRANSFER_IN"
	LotAdjustmentReasonCountCorrection LotAdjustmentReason = "COUNT_CORRECTION"
)

type TradeOutboxAction string

const (
	TradeOutboxActionCreate TradeOutboxAction = "CREATE"
	TradeOutboxActionUpdate TradeOutboxAction = "UPDATE"
	TradeOutboxActionDelete TradeOutboxAction = "DELETE"
)

type OutboxPublishStatus string

const (
	OutboxPublishStatusPending    OutboxPublishStatus = "PENDING"
	OutboxPublishStatusProcessing OutboxPublishStatus = "PROCESSING"
	OutboxPublishStatusSent       OutboxPublishStatus = "SENT"
	OutboxPublishStatusFailed     OutboxPublishStatus = "FAILED"
	OutboxPublishStatusDead       OutboxPublishStatus = "DEAD"
	// Skipped rows were drained while Pub/Sub was not configured (local/dev).
	OutboxPublishStatusSkipped OutboxPublishStatus = "SKIPPED"
)

// RematchReason tells the caller why a sale line still needs a lot selection after an update.
type RematchReason string

const (
	RematchReasonNew             RematchReason = "NEW"
	RematchReasonQuantityChanged RematchReason = "QUANTITY_CHANGED"
)
