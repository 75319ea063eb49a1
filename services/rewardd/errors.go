package rewardd

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicate reports a submission inside the cooldown of a known facility.
	ErrDuplicate = errors.New("rewardd: duplicate submission")
	// ErrNeedsReconciliation reports a reserved reward whose settlement is
	// unresolved and has been parked for the reconciliation sweep.
	ErrNeedsReconciliation = errors.New("rewardd: reward needs reconciliation")
	// ErrIssuanceHalted is returned while issuance is paused or halted by a
	// configuration failure.
	ErrIssuanceHalted = errors.New("rewardd: issuance halted")
	// ErrProcessorClosed is returned after Close.
	ErrProcessorClosed = errors.New("rewardd: processor closed")
	// ErrRecordBusy is returned when another settler is working on a record.
	ErrRecordBusy = errors.New("rewardd: record being settled elsewhere")
	// ErrMintUnresolved reports a record whose direct mint may have landed
	// without being confirmed locally. It needs an operator.
	ErrMintUnresolved = errors.New("rewardd: direct mint outcome unresolved")
)

// ValidationError reports a submission rejected before any state was written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "rewardd: invalid submission: " + e.Reason
	}
	return fmt.Sprintf("rewardd: invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ConfigurationError reports a mismatch between local configuration and the
// deployed contracts. It is never retried and halts issuance.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return "rewardd: configuration error: " + e.Reason
	}
	return fmt.Sprintf("rewardd: configuration error: %s: %v", e.Reason, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// TransientChainError reports a retryable ledger failure that outlived the
// retry budget of one attempt window.
type TransientChainError struct {
	Attempts int
	Err      error
}

func (e *TransientChainError) Error() string {
	return fmt.Sprintf("rewardd: transient chain failure after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TransientChainError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
