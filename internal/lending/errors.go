package lending

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
)

var (
	ErrObligationNotFound  = errors.New("lending: obligation not found")
	ErrAlreadyInitialized  = errors.New("lending: obligation already initialized")
	ErrObligationNotEmpty  = errors.New("lending: obligation still holds deposits or borrows")
	ErrInsufficientBalance = errors.New("lending: insufficient balance")
	ErrInvalidAmount       = errors.New("lending: amount must be positive")
	ErrInvalidOwner        = errors.New("lending: owner is required")

	// ErrHealthCheckFailed matches every *HealthCheckFailedError.
	ErrHealthCheckFailed = errors.New("lending: health check failed")
)

// HealthCheckFailedError rejects a borrow or withdrawal whose resulting
// position scores below the threshold. The stored obligation is untouched.
type HealthCheckFailedError struct {
	Operation model.Operation
	Score     decimal.Decimal
	Threshold decimal.Decimal
}

func (e *HealthCheckFailedError) Error() string {
	return fmt.Sprintf("lending: health check failed for %s: score %s below %s",
		e.Operation, e.Score.StringFixed(6), e.Threshold.String())
}

// Is makes errors.Is(err, ErrHealthCheckFailed) hold.
func (e *HealthCheckFailedError) Is(target error) bool {
	return target == ErrHealthCheckFailed
}
