package sessionorm

import (
	"database/sql/driver"
	"net"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

var (
	ErrStoreUnavailable        = errors.New("store unavailable")
	ErrNotFound                = errors.New("record not found")
	ErrStaleWriteConflict      = errors.New("stale write conflict")
	ErrTransactionClosed       = errors.New("transaction already closed")
	ErrTransactionSuspended    = errors.New("transaction is suspended by an inner transaction")
	ErrRollbackOnly            = errors.New("transaction marked as rollback-only")
	ErrReadOnlyTransaction     = errors.New("transaction is read-only")
	ErrNativeQueryNotSupported = errors.New("native queries are not supported by this store")
	ErrUnknownField            = errors.New("unknown field")
	ErrUnknownEntity           = errors.New("entity is not registered")
	ErrLockNotObtained         = errors.New("can't obtain lock")
)

// storeError classifies driver errors that mean the store can't be reached.
func storeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	var opError *net.OpError
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) || errors.As(err, &opError) {
		return errors.Wrap(ErrStoreUnavailable, err.Error())
	}
	return err
}
