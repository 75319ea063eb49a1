package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"help2earn/observability/logging"
	"help2earn/services/rewardd/locationhash"
)

const distributorABIJSON = `[
 {"type":"function","name":"verificationRecords","stateMutability":"view","inputs":[{"name":"","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
 {"type":"function","name":"distributeReward","stateMutability":"nonpayable","inputs":[{"name":"recipient","type":"address"},{"name":"locationHash","type":"bytes32"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`

const tokenABIJSON = `[
 {"type":"function","name":"mint","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

// EVMClient defines the subset of the Ethereum RPC used by the contract adapter.
type EVMClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// DialEVMClient initialises an EVM RPC client for the provided endpoint.
func DialEVMClient(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// EVMConfig describes the deployed contracts.
type EVMConfig struct {
	Distributor    common.Address
	Token          common.Address
	ChainID        *big.Int
	GasLimit       uint64
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
}

// EVMContract implements RewardContract against the deployed distributor and token.
type EVMContract struct {
	client      EVMClient
	signer      *Signer
	journal     *Journal
	cfg         EVMConfig
	distributor abi.ABI
	token       abi.ABI
	logger      *slog.Logger
}

// NewEVMContract binds the contracts. journal may be nil, in which case
// broadcasts are not persisted across restarts.
func NewEVMContract(client EVMClient, signer *Signer, journal *Journal, cfg EVMConfig, logger *slog.Logger) (*EVMContract, error) {
	if client == nil {
		return nil, errors.New("chain: evm client required")
	}
	if signer == nil {
		return nil, errors.New("chain: signer required")
	}
	if (cfg.Distributor == common.Address{}) {
		return nil, errors.New("chain: distributor address required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, errors.New("chain: chain id required")
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	distributorABI, err := abi.JSON(strings.NewReader(distributorABIJSON))
	if err != nil {
		return nil, fmt.Errorf("chain: distributor abi: %w", err)
	}
	tokenABI, err := abi.JSON(strings.NewReader(tokenABIJSON))
	if err != nil {
		return nil, fmt.Errorf("chain: token abi: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EVMContract{
		client:      client,
		signer:      signer,
		journal:     journal,
		cfg:         cfg,
		distributor: distributorABI,
		token:       tokenABI,
		logger:      logger,
	}, nil
}

// IsVerified reads verificationRecords(key).
func (c *EVMContract) IsVerified(ctx context.Context, key locationhash.Hash) (bool, error) {
	data, err := c.distributor.Pack("verificationRecords", key.Bytes32())
	if err != nil {
		return false, fmt.Errorf("chain: pack verificationRecords: %w", err)
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.cfg.Distributor, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("chain: call verificationRecords: %w", err)
	}
	values, err := c.distributor.Unpack("verificationRecords", out)
	if err != nil || len(values) != 1 {
		return false, fmt.Errorf("chain: decode verificationRecords: %v", err)
	}
	verified, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("chain: unexpected verificationRecords output %T", values[0])
	}
	return verified, nil
}

// Decimals reads the token decimals.
func (c *EVMContract) Decimals(ctx context.Context) (uint8, error) {
	if (c.cfg.Token == common.Address{}) {
		return 0, errors.New("chain: token address not configured")
	}
	data, err := c.token.Pack("decimals")
	if err != nil {
		return 0, err
	}
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.cfg.Token, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("chain: call decimals: %w", err)
	}
	values, err := c.token.Unpack("decimals", out)
	if err != nil || len(values) != 1 {
		return 0, fmt.Errorf("chain: decode decimals: %v", err)
	}
	decimals, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("chain: unexpected decimals output %T", values[0])
	}
	return decimals, nil
}

// DistributeReward marks key verified on chain and pays recipient.
func (c *EVMContract) DistributeReward(ctx context.Context, recipient common.Address, key locationhash.Hash, amount *big.Int) (string, error) {
	journalKey := "distribute:" + key.Hex()
	recheck := func(ctx context.Context) error {
		verified, err := c.IsVerified(ctx, key)
		if err != nil {
			return err
		}
		if verified {
			return ErrAlreadyVerified
		}
		return nil
	}

	if txRef, done, err := c.resume(ctx, journalKey, recheck); done || err != nil {
		return txRef, err
	}
	if err := recheck(ctx); err != nil {
		return "", err
	}
	data, err := c.distributor.Pack("distributeReward", recipient, key.Bytes32(), amount)
	if err != nil {
		return "", fmt.Errorf("chain: pack distributeReward: %w", err)
	}
	return c.transact(ctx, journalKey, c.cfg.Distributor, data, recheck)
}

// Mint issues amount tokens directly to recipient. The broadcast is journaled
// under the reward key it settles.
func (c *EVMContract) Mint(ctx context.Context, key locationhash.Hash, recipient common.Address, amount *big.Int) (string, error) {
	if (c.cfg.Token == common.Address{}) {
		return "", fmt.Errorf("%w: token address not configured", ErrUnauthorized)
	}
	journalKey := "mint:" + key.Hex()
	if txRef, done, err := c.resume(ctx, journalKey, nil); done || err != nil {
		return txRef, err
	}
	data, err := c.token.Pack("mint", recipient, amount)
	if err != nil {
		return "", fmt.Errorf("chain: pack mint: %w", err)
	}
	return c.transact(ctx, journalKey, c.cfg.Token, data, nil)
}

// resume re-examines a journaled broadcast. done is true when the journaled
// transaction settled successfully.
func (c *EVMContract) resume(ctx context.Context, journalKey string, recheck func(context.Context) error) (string, bool, error) {
	if c.journal == nil {
		return "", false, nil
	}
	entry, found, err := c.journal.Lookup(journalKey)
	if err != nil || !found {
		return "", false, err
	}
	hash := common.HexToHash(entry.TxHash)
	receipt, err := c.client.TransactionReceipt(ctx, hash)
	switch {
	case err == nil && receipt != nil:
		return c.settle(ctx, journalKey, hash, receipt, recheck)
	case err != nil && !errors.Is(err, ethereum.NotFound):
		return "", false, fmt.Errorf("chain: journaled receipt: %w", err)
	}
	mined, err := c.client.NonceAt(ctx, c.signer.Address(), nil)
	if err != nil {
		return "", false, fmt.Errorf("chain: account nonce: %w", err)
	}
	if mined > entry.Nonce {
		// The nonce was consumed by another transaction; ours was dropped.
		c.logger.Warn("journaled transaction dropped", slog.String("tx", entry.TxHash), slog.String("key", journalKey))
		if err := c.journal.Clear(journalKey); err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	txRef, err := c.await(ctx, journalKey, hash, recheck)
	return txRef, err == nil, err
}

func (c *EVMContract) transact(ctx context.Context, journalKey string, to common.Address, data []byte, recheck func(context.Context) error) (string, error) {
	from := c.signer.Address()
	msg := ethereum.CallMsg{From: from, To: &to, Data: data}
	if _, err := c.client.CallContract(ctx, msg, nil); err != nil {
		return "", ClassifyRevert(err)
	}
	nonce, err := c.client.PendingNonceAt(ctx, from)
	if err != nil {
		return "", fmt.Errorf("chain: pending nonce: %w", err)
	}
	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("chain: gas price: %w", err)
	}
	gas := c.cfg.GasLimit
	if gas == 0 {
		estimated, err := c.client.EstimateGas(ctx, msg)
		if err != nil {
			return "", ClassifyRevert(err)
		}
		gas = estimated + estimated/5
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := c.signer.SignTx(tx, c.cfg.ChainID)
	if err != nil {
		return "", fmt.Errorf("chain: sign: %w", err)
	}
	if c.journal != nil {
		entry := JournalEntry{Kind: strings.SplitN(journalKey, ":", 2)[0], TxHash: signed.Hash().Hex(), Nonce: nonce, SentAt: time.Now().UTC()}
		if err := c.journal.Record(journalKey, entry); err != nil {
			return "", fmt.Errorf("chain: journal broadcast: %w", err)
		}
	}
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		if c.journal != nil {
			_ = c.journal.Clear(journalKey)
		}
		return "", ClassifyRevert(err)
	}
	c.logger.Info("reward transaction broadcast",
		slog.String("tx", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce))
	return c.await(ctx, journalKey, signed.Hash(), recheck)
}

func (c *EVMContract) await(ctx context.Context, journalKey string, hash common.Hash, recheck func(context.Context) error) (string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ReceiptTimeout)
	defer cancel()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.client.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			txRef, _, settleErr := c.settle(ctx, journalKey, hash, receipt, recheck)
			return txRef, settleErr
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && waitCtx.Err() == nil {
			c.logger.Warn("receipt lookup failed", slog.String("tx", hash.Hex()), logging.Error("error", err))
		}
		select {
		case <-waitCtx.Done():
			return "", fmt.Errorf("%w: %s", ErrReceiptTimeout, hash.Hex())
		case <-ticker.C:
		}
	}
}

func (c *EVMContract) settle(ctx context.Context, journalKey string, hash common.Hash, receipt *gethtypes.Receipt, recheck func(context.Context) error) (string, bool, error) {
	if c.journal != nil {
		if err := c.journal.Clear(journalKey); err != nil {
			return "", false, err
		}
	}
	if receipt.Status == gethtypes.ReceiptStatusSuccessful {
		return hash.Hex(), true, nil
	}
	if recheck != nil {
		if err := recheck(ctx); err != nil {
			return "", false, err
		}
	}
	return "", false, fmt.Errorf("chain: transaction %s reverted", hash.Hex())
}

// ClassifyRevert maps an RPC or revert error onto the classified sentinels.
// Unrecognised failures are returned wrapped and count as transient.
func ClassifyRevert(err error) error {
	if err == nil {
		return nil
	}
	reason := err.Error()
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if encoded, ok := dataErr.ErrorData().(string); ok {
			if raw, decodeErr := hexutil.Decode(encoded); decodeErr == nil {
				if unpacked, unpackErr := abi.UnpackRevert(raw); unpackErr == nil {
					reason = unpacked
				}
			}
		}
	}
	lower := strings.ToLower(reason)
	switch {
	case strings.Contains(lower, "already verified"):
		return fmt.Errorf("%w: %s", ErrAlreadyVerified, reason)
	case strings.Contains(lower, "invalid amount"), strings.Contains(lower, "invalid reward amount"):
		return fmt.Errorf("%w: %s", ErrInvalidAmount, reason)
	case strings.Contains(lower, "not authorized"),
		strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "caller is not the owner"),
		strings.Contains(lower, "ownableunauthorizedaccount"):
		return fmt.Errorf("%w: %s", ErrUnauthorized, reason)
	}
	return fmt.Errorf("chain: %w", err)
}
