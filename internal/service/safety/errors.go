package safety

import (
	"fmt"
	"time"

	apperrors "github.com/acme/blast-dispatch/pkg/errors"
)

// Window names a quota interval.
type Window string

const (
	WindowHour Window = "hour"
	WindowDay  Window = "day"
)

// QuotaError reports a full quota window and when it rolls over.
type QuotaError struct {
	AccountID string
	Window    Window
	Limit     int
	RetryAt   time.Time
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s quota of %d reached for account %s, retry at %s",
		e.Window, e.Limit, e.AccountID, e.RetryAt.Format(time.RFC3339))
}

func (e *QuotaError) Unwrap() error {
	return apperrors.ErrQuotaExceeded
}
