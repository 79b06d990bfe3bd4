package models

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
)

const tradeNumberIndex = "idx_trade_number"

// tradeNumberKey is the per-type, per-day part of a trade number, e.g. "PUR-20260314".
func tradeNumberKey(tradeType TradeType, tradeDate time.Time) string {
	return fmt.Sprintf("%s-%s", tradeType.NumberPrefix(), tradeDate.Format("20060102"))
}

func formatTradeNumber(key string, seq int) string {
	return fmt.Sprintf("%s-%03d", key, seq)
}

// nextTradeSequence parses the suffix of the highest existing number for key.
// An empty or unparsable latest number starts the day at 1.
func nextTradeSequence(key string, latest string) int {
	if latest == "" || !strings.HasPrefix(latest, key+"-") {
		return 1
	}
	n, err := strconv.Atoi(strings.TrimPrefix(latest, key+"-"))
	if err != nil || n < 0 {
		return 1
	}
	return n + 1
}

// nextTradeNumber reads the highest existing number of the day and increments it.
// Two concurrent creators can read the same maximum; the unique index turns the
// loser's insert into DuplicateNumber.
func nextTradeNumber(tx *gorm.DB, businessId string, tradeType TradeType, tradeDate time.Time) (string, error) {
	key := tradeNumberKey(tradeType, tradeDate)
	var latest []string
	err := tx.Model(&TradeDocument{}).
		Where("business_id = ? AND trade_number LIKE ?", businessId, key+"-%").
		Order("CHAR_LENGTH(trade_number) DESC, trade_number DESC").
		Limit(1).
		Pluck("trade_number", &latest).Error
	if err != nil {
		return "", err
	}
	current := ""
	if len(latest) > 0 {
		current = latest[0]
	}
	return formatTradeNumber(key, nextTradeSequence(key, current)), nil
}

func errDuplicateNumber(number string, err error) *TradeError {
	return newTradeError(TradeErrorDuplicateNumber, map[string]string{"trade_number": number},
		"trade number %s was taken concurrently, retry the request", number)
}

func sortedInts(ids []int) []int {
	out := append([]int(nil), ids...)
	sort.Ints(out)
	return out
}
