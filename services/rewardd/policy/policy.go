package policy

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/holiman/uint256"

	"help2earn/services/rewardd/dedup"
)

const (
	// DefaultNewReward is paid for the first verification of a facility.
	DefaultNewReward int64 = 50
	// DefaultUpdateReward is paid for a re-verification after the cooldown.
	DefaultUpdateReward int64 = 25
	// DefaultTokenDecimals matches the reward token's ERC-20 decimals.
	DefaultTokenDecimals uint8 = 18
)

// ErrAmountNotAccepted reports a reward constant the distributor would reject.
var ErrAmountNotAccepted = errors.New("policy: amount not accepted by distributor")

// ErrNoReward is returned for decisions that never earn a reward.
var ErrNoReward = errors.New("policy: decision carries no reward")

// Config captures the reward constants.
type Config struct {
	NewReward     int64
	UpdateReward  int64
	Accepted      []int64
	TokenDecimals uint8
}

// Policy maps detection decisions to whole-token amounts.
type Policy struct {
	newReward    int64
	updateReward int64
	accepted     map[int64]struct{}
	unit         *uint256.Int
}

// New validates cfg against the accepted amount set.
func New(cfg Config) (*Policy, error) {
	if cfg.NewReward <= 0 || cfg.UpdateReward <= 0 {
		return nil, fmt.Errorf("%w: rewards must be positive (new=%d update=%d)", ErrAmountNotAccepted, cfg.NewReward, cfg.UpdateReward)
	}
	accepted := make(map[int64]struct{}, len(cfg.Accepted))
	for _, amount := range cfg.Accepted {
		accepted[amount] = struct{}{}
	}
	if len(accepted) == 0 {
		accepted[cfg.NewReward] = struct{}{}
		accepted[cfg.UpdateReward] = struct{}{}
	}
	for _, amount := range []int64{cfg.NewReward, cfg.UpdateReward} {
		if _, ok := accepted[amount]; !ok {
			return nil, fmt.Errorf("%w: %d not in %v", ErrAmountNotAccepted, amount, sortedKeys(accepted))
		}
	}
	decimals := cfg.TokenDecimals
	if decimals > 77 {
		return nil, fmt.Errorf("policy: token decimals %d overflow uint256", decimals)
	}
	unit := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals)))
	return &Policy{
		newReward:    cfg.NewReward,
		updateReward: cfg.UpdateReward,
		accepted:     accepted,
		unit:         unit,
	}, nil
}

// Amount returns the whole-token reward for the decision.
func (p *Policy) Amount(decision dedup.Decision) (int64, error) {
	switch decision {
	case dedup.DecisionNew:
		return p.newReward, nil
	case dedup.DecisionUpdate:
		return p.updateReward, nil
	default:
		return 0, ErrNoReward
	}
}

// Accepts reports whether the distributor is configured to accept amount.
func (p *Policy) Accepts(amount int64) bool {
	_, ok := p.accepted[amount]
	return ok
}

// BaseUnits scales a whole-token amount by the token decimals.
func (p *Policy) BaseUnits(amount int64) (*big.Int, error) {
	if amount < 0 {
		return nil, fmt.Errorf("policy: negative amount %d", amount)
	}
	scaled, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(uint64(amount)), p.unit)
	if overflow {
		return nil, fmt.Errorf("policy: amount %d overflows uint256", amount)
	}
	return scaled.ToBig(), nil
}

func sortedKeys(set map[int64]struct{}) []int64 {
	keys := make([]int64, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
