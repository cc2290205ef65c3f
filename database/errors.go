package database

import (
	"errors"

	"github.com/go-sql-driver/mysql"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrTransitionNoop means the row is already in the requested state.
	ErrTransitionNoop = errors.New("transition already applied")
	ErrNotConfirmed   = errors.New("transaction is not confirmed")
)

const mysqlDuplicateEntry = 1062

func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == mysqlDuplicateEntry
}
