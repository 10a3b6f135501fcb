package kms

import "errors"

var (
	// ErrFatal marks hardware failures the display cannot recover from.
	ErrFatal = errors.New("fatal kms error")

	ErrInvalidModeIndex = errors.New("mode index out of range")
	ErrGammaMismatch    = errors.New("gamma channels differ in length")
	ErrUnknownOutput    = errors.New("unknown output id")
)
