package utils

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

var ErrorRecordNotFound = errors.New("record not found")

const mysqlErrDuplicateEntry = 1062

// IsDuplicateKeyError reports whether err is a MySQL unique-index violation.
// When indexName is non-empty the violated key must match it.
func IsDuplicateKeyError(err error, indexName string) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) || myErr.Number != mysqlErrDuplicateEntry {
		return false
	}
	if indexName == "" {
		return true
	}
	return containsFold(myErr.Message, indexName)
}
