package ingest

import (
	"errors"
	"fmt"
)

// RowError rejects a single input row. The message is stored verbatim on
// the batch and on the FailedRow.
type RowError struct {
	Message string
}

func (e *RowError) Error() string { return e.Message }

func rowErrorf(format string, args ...any) error {
	return &RowError{Message: fmt.Sprintf(format, args...)}
}

// BatchError fails a whole batch before any row is processed.
type BatchError struct {
	Message string
}

func (e *BatchError) Error() string { return e.Message }

func batchErrorf(format string, args ...any) error {
	return &BatchError{Message: fmt.Sprintf(format, args...)}
}

func IsRowError(err error) bool {
	var rowErr *RowError
	return errors.As(err, &rowErr)
}

func IsBatchError(err error) bool {
	var batchErr *BatchError
	return errors.As(err, &batchErr)
}
