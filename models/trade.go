package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/produce_ledger/config"
	"github.com/mmdatafocus/produce_ledger/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type TradeDocument struct {
	ID             int             `gorm:"primary_key" json:"id"`
	BusinessId     string          `gorm:"size:64;not null;uniqueIndex:idx_trade_number,priority:1;index:idx_trade_dup,priority:1" json:"business_id"`
	TradeNumber    string          `gorm:"size:40;not null;uniqueIndex:idx_trade_number,priority:2" json:"trade_number"`
	TradeType      TradeType       `gorm:"type:enum('PURCHASE','SALE','PRODUCTION');not null;index:idx_trade_dup,priority:4" json:"trade_type"`
	CounterpartyId int             `gorm:"not null;default:0;index:idx_trade_dup,priority:2" json:"counterparty_id"`
	TradeDate      time.Time       `gorm:"type:date;not null;index:idx_trade_dup,priority:3" json:"trade_date"`
	CurrentStatus  TradeStatus     `gorm:"type:enum('DRAFT','CONFIRMED','CANCELLED');default:DRAFT" json:"current_status"`
	WarehouseId    *int            `gorm:"default:null" json:"warehouse_id"`
	Amount         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount"`
	TaxAmount      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"tax_amount"`
	TotalAmount    decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_amount"`
	Notes          string          `gorm:"type:text;default:null" json:"notes"`
	Lines          []TradeLine     `gorm:"foreignKey:TradeId;constraint:OnDelete:CASCADE" json:"lines"`
	CreatedAt      time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type TradeLine struct {
	ID             int                 `gorm:"primary_key" json:"id"`
	BusinessId     string              `gorm:"size:64;index;not null" json:"business_id"`
	TradeId        int                 `gorm:"index;not null" json:"trade_id"`
	SequenceNo     int                 `gorm:"not null;default:0" json:"sequence_no"`
	ProductId      int                 `gorm:"index;not null" json:"product_id"`
	Name           string              `gorm:"size:100" json:"name"`
	Quantity       decimal.Decimal     `gorm:"type:decimal(20,4);not null" json:"quantity"`
	UnitPrice      decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	Amount         decimal.Decimal     `gorm:"type:decimal(20,4);default:0" json:"amount"`
	PurchasePrice  decimal.NullDecimal `gorm:"type:decimal(20,4);default:null" json:"purchase_price"`
	Origin         string              `gorm:"size:100;default:null" json:"origin"`
	Sender         string              `gorm:"size:100;default:null" json:"sender"`
	ParentLineId   *int                `gorm:"index;default:null" json:"parent_line_id"`
	MatchingStatus MatchingStatus      `gorm:"type:enum('UNMATCHED','PARTIAL','MATCHED');default:UNMATCHED" json:"matching_status"`
	CreatedAt      time.Time           `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time           `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewTrade struct {
	TradeType      TradeType        `json:"trade_type" validate:"required,oneof=PURCHASE SALE PRODUCTION"`
	CounterpartyId int              `json:"counterparty_id" validate:"gte=0"`
	TradeDate      time.Time        `json:"trade_date" validate:"required"`
	CurrentStatus  *TradeStatus     `json:"current_status"`
	WarehouseId    *int             `json:"warehouse_id" validate:"omitempty,gt=0"`
	Amount         *decimal.Decimal `json:"amount"`
	TaxAmount      *decimal.Decimal `json:"tax_amount"`
	TotalAmount    *decimal.Decimal `json:"total_amount"`
	Notes          string           `json:"notes" validate:"max=2000"`
	Lines          []NewTradeLine   `json:"lines" validate:"required,min=1,dive"`
}

type NewTradeLine struct {
	// LineId names an existing line on update. Ignored on create and by the sale update path.
	LineId        *int             `json:"line_id" validate:"omitempty,gt=0"`
	ProductId     int              `json:"product_id" validate:"required,gt=0"`
	Name          string           `json:"name" validate:"max=100"`
	Quantity      decimal.Decimal  `json:"quantity"`
	UnitPrice     decimal.Decimal  `json:"unit_price"`
	Amount        *decimal.Decimal `json:"amount"`
	PurchasePrice *decimal.Decimal `json:"purchase_price"`
	Origin        string           `json:"origin" validate:"max=100"`
	Sender        string           `json:"sender" validate:"max=100"`
	ParentLineId  *int             `json:"parent_line_id" validate:"omitempty,gt=0"`
	// LotId is the lot a sale line draws from.
	LotId *int `json:"lot_id" validate:"omitempty,gt=0"`
}

type CreateTradeResult struct {
	ID          int    `json:"id"`
	TradeNumber string `json:"trade_number"`
}

type UpdateTradeResult struct {
	NeedsRematching bool            `json:"needs_rematching"`
	UnmatchedItems  []UnmatchedItem `json:"unmatched_items"`
}

// UnmatchedItem is a sale line left short of allocations after an update.
type UnmatchedItem struct {
	LineId          int             `json:"line_id"`
	SequenceNo      int             `json:"sequence_no"`
	ProductId       int             `json:"product_id"`
	Name            string          `json:"name"`
	Quantity        decimal.Decimal `json:"quantity"`
	MatchedQuantity decimal.Decimal `json:"matched_quantity"`
	Reason          RematchReason   `json:"reason"`
}

func (input *NewTrade) validate() error {
	if err := utils.ValidateStruct(input); err != nil {
		return errInvalidInput(utils.ProcessValidationErrors(err), "invalid trade input")
	}
	if !input.status().IsValid() {
		return errInvalidInput(map[string]string{"current_status": "oneof"}, "unknown status %q", input.status())
	}
	if input.TradeType != TradeTypeProduction && input.CounterpartyId <= 0 {
		return errInvalidInput(map[string]string{"counterparty_id": "required"}, "counterparty is required for %s", input.TradeType)
	}

	seen := make(map[int]struct{})
	for i, line := range input.Lines {
		if line.Quantity.IsZero() {
			return errInvalidInput(map[string]int{"line": i}, "line %d: quantity must not be zero", i+1)
		}
		if line.ParentLineId != nil && line.Quantity.IsPositive() {
			return errInvalidInput(map[string]int{"line": i}, "line %d: a return line must carry a negative quantity", i+1)
		}
		if line.LotId != nil {
			if input.TradeType != TradeTypeSale {
				return errInvalidInput(map[string]int{"line": i}, "line %d: only sale lines draw from a lot", i+1)
			}
			if !line.Quantity.IsPositive() {
				return errInvalidInput(map[string]int{"line": i}, "line %d: a lot can only be drawn with a positive quantity", i+1)
			}
		}
		if line.LineId != nil {
			if _, dup := seen[*line.LineId]; dup {
				return errInvalidInput(map[string]int{"line_id": *line.LineId}, "line %d appears twice", *line.LineId)
			}
			seen[*line.LineId] = struct{}{}
		}
	}
	return nil
}

func (input *NewTrade) status() TradeStatus {
	if input.CurrentStatus == nil {
		return TradeStatusDraft
	}
	return *input.CurrentStatus
}

func decimalOrZero(d *decimal.Decimal) decimal.Decimal {
	if d == nil {
		return decimal.Zero
	}
	return *d
}

// applyTo copies header fields onto doc. Totals default to zero when absent.
func (input *NewTrade) applyTo(doc *TradeDocument) {
	doc.TradeType = input.TradeType
	doc.CounterpartyId = input.CounterpartyId
	doc.TradeDate = utils.TruncateToDate(input.TradeDate)
	doc.CurrentStatus = input.status()
	doc.WarehouseId = input.WarehouseId
	doc.Amount = decimalOrZero(input.Amount)
	doc.TaxAmount = decimalOrZero(input.TaxAmount)
	doc.TotalAmount = decimalOrZero(input.TotalAmount)
	doc.Notes = input.Notes
}

// applyTo copies the editable fields of a line. Amount defaults to quantity * unit price.
func (input NewTradeLine) applyTo(line *TradeLine) {
	line.ProductId = input.ProductId
	line.Name = input.Name
	line.Quantity = input.Quantity
	line.UnitPrice = input.UnitPrice
	if input.Amount != nil {
		line.Amount = *input.Amount
	} else {
		line.Amount = input.Quantity.Mul(input.UnitPrice)
	}
	line.PurchasePrice = decimal.NullDecimal{}
	if input.PurchasePrice != nil {
		line.PurchasePrice = decimal.NewNullDecimal(*input.PurchasePrice)
	}
	line.Origin = input.Origin
	line.Sender = input.Sender
	line.ParentLineId = input.ParentLineId
}

// lineCost is the cost carried onto a lot: purchase price when given, else unit price.
func (line *TradeLine) lineCost() decimal.Decimal {
	if line.PurchasePrice.Valid {
		return line.PurchasePrice.Decimal
	}
	return line.UnitPrice
}

func (doc *TradeDocument) ref() *TradeRef {
	return &TradeRef{
		ID:             doc.ID,
		TradeNumber:    doc.TradeNumber,
		TradeType:      doc.TradeType,
		CounterpartyId: doc.CounterpartyId,
		TradeDate:      doc.TradeDate,
	}
}

func lockTradeDocument(tx *gorm.DB, businessId string, id int) (*TradeDocument, error) {
	var doc TradeDocument
	err := tx.Clauses(lockingUpdate).
		Where("business_id = ? AND id = ?", businessId, id).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errTradeNotFound("trade", id)
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func linesOfTrade(tx *gorm.DB, tradeId int) ([]TradeLine, error) {
	var lines []TradeLine
	err := tx.Where("trade_id = ?", tradeId).Order("sequence_no, id").Find(&lines).Error
	return lines, err
}

func lineIdsOf(lines []TradeLine) []int {
	ids := make([]int, len(lines))
	for i, l := range lines {
		ids[i] = l.ID
	}
	return ids
}

// GetTrade returns a trade document with its lines in declaration order.
func GetTrade(ctx context.Context, id int) (*TradeDocument, error) {
	db := config.GetDB()
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	var doc TradeDocument
	err := db.WithContext(ctx).
		Preload("Lines", func(db *gorm.DB) *gorm.DB { return db.Order("sequence_no, id") }).
		Where("business_id = ? AND id = ?", businessId, id).
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errTradeNotFound("trade", id)
	}
	if err != nil {
		config.LogError(config.GetLogger(), "TradeDocument", "GetTrade", "First", id, err)
		return nil, err
	}
	return &doc, nil
}
