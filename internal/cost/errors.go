package cost

import "errors"

// Ledger errors.
var (
	ErrNegativeAmount = errors.New("cost amount must be a non-negative finite number")
	ErrInvalidBudget  = errors.New("budget must be a non-negative finite number")
)
