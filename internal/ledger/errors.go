package ledger

import "errors"

var (
	// ErrTariffNotFound is returned when the tariff does not exist in the store.
	ErrTariffNotFound = errors.New("ledger: tariff not found")
	// ErrProductNotFound is returned when the product does not exist in the catalog.
	ErrProductNotFound = errors.New("ledger: product not found")
	// ErrOverrideNotFound is returned when clearing a lock that does not exist.
	ErrOverrideNotFound = errors.New("ledger: override not found")
	// ErrInvalidEdit indicates an edit that cannot satisfy the price formula.
	ErrInvalidEdit = errors.New("ledger: invalid override edit")
	// ErrBulkAdjustmentRejected indicates a bulk adjustment failed validation; nothing was written.
	ErrBulkAdjustmentRejected = errors.New("ledger: bulk adjustment rejected")
	// ErrConcurrentModification is returned when the tariff changed since it was read.
	ErrConcurrentModification = errors.New("ledger: concurrent modification")
)
