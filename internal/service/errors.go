package service

import (
	"errors"
	"fmt"

	"pos-service/internal/store"

	"github.com/shopspring/decimal"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrStateConflict     = errors.New("state conflict")
	ErrOrderNotPending   = fmt.Errorf("%w: order is not pending", ErrStateConflict)
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrSettlementFailed  = errors.New("settlement failed")
)

// InsufficientStockError names the product that is short and by how much.
type InsufficientStockError struct {
	ProductID   int64
	ProductName string
	Available   decimal.Decimal
	Required    decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: available %s, required %s",
		e.ProductName, e.Available.String(), e.Required.String())
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// fromStore translates store.ErrNotFound into the service sentinel and
// passes every other error through.
func fromStore(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
