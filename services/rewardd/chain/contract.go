// Package chain issues rewards through the on-chain distributor contract,
// which is the final arbiter of whether a reward key has been paid.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"help2earn/services/rewardd/locationhash"
)

var (
	// ErrAlreadyVerified reports that the reward key is already marked on chain.
	ErrAlreadyVerified = errors.New("chain: location already verified")
	// ErrInvalidAmount reports an amount the distributor does not accept.
	ErrInvalidAmount = errors.New("chain: invalid reward amount")
	// ErrUnauthorized reports a signer the contracts do not recognise.
	ErrUnauthorized = errors.New("chain: signer not authorized")
	// ErrReceiptTimeout reports a broadcast transaction that did not land in time.
	ErrReceiptTimeout = errors.New("chain: receipt timeout")
	// ErrMintRefused reports a direct-mint fallback that could not record its intent.
	ErrMintRefused = errors.New("chain: direct mint refused")
)

// RewardContract is the port to the distributor and token contracts.
// Implementations report classified failures through the sentinel errors
// above; any other error is treated as transient. Mint receives the reward
// key so a broadcast can be tracked per reward.
type RewardContract interface {
	IsVerified(ctx context.Context, key locationhash.Hash) (bool, error)
	DistributeReward(ctx context.Context, recipient common.Address, key locationhash.Hash, amount *big.Int) (string, error)
	Mint(ctx context.Context, key locationhash.Hash, recipient common.Address, amount *big.Int) (string, error)
}

// Outcome is the classified result of one contract invocation.
type Outcome string

// Classified outcomes.
const (
	OutcomeConfirmed       Outcome = "CONFIRMED"
	OutcomeAlreadyVerified Outcome = "ALREADY_VERIFIED"
	OutcomeInvalidAmount   Outcome = "INVALID_AMOUNT"
	OutcomeAuthorization   Outcome = "AUTHORIZATION"
	OutcomeTransient       Outcome = "TRANSIENT"
)

// Fatal reports whether the outcome must halt issuance instead of retrying.
func (o Outcome) Fatal() bool {
	return o == OutcomeInvalidAmount || o == OutcomeAuthorization
}

// Classify maps a contract error onto an outcome.
func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeConfirmed
	case errors.Is(err, ErrAlreadyVerified):
		return OutcomeAlreadyVerified
	case errors.Is(err, ErrInvalidAmount):
		return OutcomeInvalidAmount
	case errors.Is(err, ErrUnauthorized):
		return OutcomeAuthorization
	default:
		return OutcomeTransient
	}
}

// FuncContract adapts callback functions to the RewardContract interface.
type FuncContract struct {
	IsVerifiedFunc func(ctx context.Context, key locationhash.Hash) (bool, error)
	DistributeFunc func(ctx context.Context, recipient common.Address, key locationhash.Hash, amount *big.Int) (string, error)
	MintFunc       func(ctx context.Context, key locationhash.Hash, recipient common.Address, amount *big.Int) (string, error)
}

// IsVerified delegates to the configured callback.
func (c FuncContract) IsVerified(ctx context.Context, key locationhash.Hash) (bool, error) {
	if c.IsVerifiedFunc == nil {
		return false, nil
	}
	return c.IsVerifiedFunc(ctx, key)
}

// DistributeReward delegates to the configured callback.
func (c FuncContract) DistributeReward(ctx context.Context, recipient common.Address, key locationhash.Hash, amount *big.Int) (string, error) {
	if c.DistributeFunc == nil {
		return "", errors.New("chain: distribute not configured")
	}
	return c.DistributeFunc(ctx, recipient, key, amount)
}

// Mint delegates to the configured callback.
func (c FuncContract) Mint(ctx context.Context, key locationhash.Hash, recipient common.Address, amount *big.Int) (string, error) {
	if c.MintFunc == nil {
		return "", errors.New("chain: mint not configured")
	}
	return c.MintFunc(ctx, key, recipient, amount)
}
