package pricing

import "errors"

var (
	// ErrCyclicReference is returned when a derived tariff chain loops back on itself.
	ErrCyclicReference = errors.New("pricing: cyclic derived tariff reference")
	// ErrNoManualOverride indicates a manual tariff without a locked price for the product.
	ErrNoManualOverride = errors.New("pricing: manual tariff has no override for product")
	// ErrUnknownTariff is returned when a derived tariff points at a tariff missing from the snapshot.
	ErrUnknownTariff = errors.New("pricing: unknown tariff")
	// ErrUnknownStrategy is returned when decoding an unsupported strategy type.
	ErrUnknownStrategy = errors.New("pricing: unknown strategy")
	// ErrCurrencyConversionFailed wraps failures of the FX collaborator.
	ErrCurrencyConversionFailed = errors.New("pricing: currency conversion failed")
)
