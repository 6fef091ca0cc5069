package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrDuplicate            = errors.New("duplicate id")
	ErrRecordDigestMismatch = errors.New("ledger record digest mismatch")
	ErrRecordSignature      = errors.New("ledger record signature invalid")
	ErrTenantRequired       = errors.New("tenant id required")
	ErrClosed               = errors.New("ledger closed")
	ErrMigrationDrift       = errors.New("applied migration no longer matches its recorded checksum")
)

// WriteError reports a batch the primary store rejected after all retries.
// It is logged and the batch is moved to the fallback log; governance
// callers never see it.
type WriteError struct {
	TenantID string
	Records  int
	Attempts int
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("ledger write for tenant %s failed after %d attempts (%d records): %v", e.TenantID, e.Attempts, e.Records, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
