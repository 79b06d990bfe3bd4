package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type TradeErrorKind string

const (
	TradeErrorNotFound                 TradeErrorKind = "NotFound"
	TradeErrorInvalidInput             TradeErrorKind = "InvalidInput"
	TradeErrorReturnLimitExceeded      TradeErrorKind = "ReturnLimitExceeded"
	TradeErrorDuplicateDocument        TradeErrorKind = "DuplicateDocument"
	TradeErrorDuplicateNumber          TradeErrorKind = "DuplicateNumber"
	TradeErrorInsufficientStock        TradeErrorKind = "InsufficientStock"
	TradeErrorMatchingExists           TradeErrorKind = "MatchingExists"
	TradeErrorUsedInProduction         TradeErrorKind = "UsedInProduction"
	TradeErrorAuditLocked              TradeErrorKind = "AuditLocked"
	TradeErrorSplitLotImmutable        TradeErrorKind = "SplitLotImmutable"
	TradeErrorQuantityBelowMatched     TradeErrorKind = "QuantityBelowMatched"
	TradeErrorMatchedLineProductLocked TradeErrorKind = "MatchedLineProductLocked"
	TradeErrorCannotDeleteMatchedLine  TradeErrorKind = "CannotDeleteMatchedLine"
)

// TradeError is a business-rule rejection. Any TradeError returned from a mutation
// means the transaction was rolled back and nothing was persisted.
type TradeError struct {
	Kind    TradeErrorKind `json:"kind"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
}

func (e *TradeError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Retryable reports whether running the same request again may succeed without caller changes.
func (e *TradeError) Retryable() bool {
	return e.Kind == TradeErrorDuplicateNumber
}

func newTradeError(kind TradeErrorKind, data any, format string, args ...any) *TradeError {
	return &TradeError{Kind: kind, Message: fmt.Sprintf(format, args...), Data: data}
}

// AsTradeError unwraps err into a *TradeError when possible.
func AsTradeError(err error) (*TradeError, bool) {
	var te *TradeError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

func IsTradeErrorKind(err error, kind TradeErrorKind) bool {
	te, ok := AsTradeError(err)
	return ok && te.Kind == kind
}

// TradeRef identifies an existing document, e.g. the one that blocked a duplicate.
type TradeRef struct {
	ID             int       `json:"id"`
	TradeNumber    string    `json:"trade_number"`
	TradeType      TradeType `json:"trade_type"`
	CounterpartyId int       `json:"counterparty_id"`
	TradeDate      time.Time `json:"trade_date"`
}

type ReturnLimitDetail struct {
	ParentLineId      int             `json:"parent_line_id"`
	ProductName       string          `json:"product_name"`
	ParentQuantity    decimal.Decimal `json:"parent_quantity"`
	AlreadyReturned   decimal.Decimal `json:"already_returned"`
	AttemptedQuantity decimal.Decimal `json:"attempted_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
}

type StockShortage struct {
	LotId     int             `json:"lot_id"`
	Requested decimal.Decimal `json:"requested"`
	Available decimal.Decimal `json:"available"`
}

// MatchingBlocker is one sale allocation that prevents a purchase from being deleted.
type MatchingBlocker struct {
	ProductId       int             `json:"product_id"`
	ProductName     string          `json:"product_name"`
	MatchedQuantity decimal.Decimal `json:"matched_quantity"`
	SaleTradeId     int             `json:"sale_trade_id"`
	SaleTradeNumber string          `json:"sale_trade_number"`
	SaleTradeDate   time.Time       `json:"sale_trade_date"`
	CounterpartyId  int             `json:"counterparty_id"`
}

type MatchedLineDetail struct {
	LineId            int             `json:"line_id"`
	ProductId         int             `json:"product_id"`
	ProductName       string          `json:"product_name"`
	MatchedQuantity   decimal.Decimal `json:"matched_quantity"`
	AttemptedQuantity decimal.Decimal `json:"attempted_quantity,omitempty"`
}

func errTradeNotFound(what string, id int) *TradeError {
	return newTradeError(TradeErrorNotFound, map[string]int{"id": id}, "%s %d not found", what, id)
}

func errInvalidInput(data any, format string, args ...any) *TradeError {
	return newTradeError(TradeErrorInvalidInput, data, format, args...)
}
