package chain

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"help2earn/services/rewardd/locationhash"
)

type revertError struct {
	msg  string
	data string
}

func (e revertError) Error() string          { return e.msg }
func (e revertError) ErrorData() interface{} { return e.data }

type fakeEVM struct {
	mu        sync.Mutex
	verified  bool
	simErr    error
	sent      []*gethtypes.Transaction
	receipts  map[common.Hash]*gethtypes.Receipt
	minedNext uint64
	selector  []byte
}

func (f *fakeEVM) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bytes.HasPrefix(msg.Data, f.selector) {
		parsed, _ := abi.JSON(strings.NewReader(distributorABIJSON))
		return parsed.Methods["verificationRecords"].Outputs.Pack(f.verified)
	}
	return nil, f.simErr
}

func (f *fakeEVM) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeEVM) NonceAt(context.Context, common.Address, *big.Int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.minedNext, nil
}

func (f *fakeEVM) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeEVM) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) { return 100_000, nil }

func (f *fakeEVM) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.receipts[tx.Hash()] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, TxHash: tx.Hash()}
	f.verified = true
	return nil
}

func (f *fakeEVM) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func newFakeEVM(t *testing.T) *fakeEVM {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(distributorABIJSON))
	require.NoError(t, err)
	return &fakeEVM{receipts: map[common.Hash]*gethtypes.Receipt{}, selector: parsed.Methods["verificationRecords"].ID}
}

func newTestContract(t *testing.T, client EVMClient, journal *Journal) (*EVMContract, *Signer) {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	signer, err := NewSigner(key)
	require.NoError(t, err)
	contract, err := NewEVMContract(client, signer, journal, EVMConfig{
		Distributor:    common.HexToAddress("0x00000000000000000000000000000000000000d1"),
		Token:          common.HexToAddress("0x00000000000000000000000000000000000000e1"),
		ChainID:        big.NewInt(11155111),
		GasLimit:       200_000,
		ReceiptTimeout: 200 * time.Millisecond,
		PollInterval:   5 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	return contract, signer
}

func TestClassifyRevert(t *testing.T) {
	require.NoError(t, ClassifyRevert(nil))
	require.ErrorIs(t, ClassifyRevert(errors.New("execution reverted: Location already verified")), ErrAlreadyVerified)
	require.ErrorIs(t, ClassifyRevert(errors.New("execution reverted: Invalid amount")), ErrInvalidAmount)
	require.ErrorIs(t, ClassifyRevert(errors.New("execution reverted: Ownable: caller is not the owner")), ErrUnauthorized)

	// Reason encoded as Error(string) revert data.
	encoded := "0x08c379a0" + common.Bytes2Hex(mustPackString(t, "Not authorized distributor"))
	require.ErrorIs(t, ClassifyRevert(revertError{msg: "execution reverted", data: encoded}), ErrUnauthorized)

	err := ClassifyRevert(errors.New("connection refused"))
	require.Equal(t, OutcomeTransient, Classify(err))
}

func mustPackString(t *testing.T, reason string) []byte {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)
	return packed
}

func TestEVMContractDistributeAndJournal(t *testing.T) {
	client := newFakeEVM(t)
	journal, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"), nil)
	require.NoError(t, err)
	defer journal.Close()
	contract, signer := newTestContract(t, client, journal)

	verified, err := contract.IsVerified(context.Background(), rewardKey)
	require.NoError(t, err)
	require.False(t, verified)

	txRef, err := contract.DistributeReward(context.Background(), recipient, rewardKey, big.NewInt(50))
	require.NoError(t, err)
	require.Len(t, client.sent, 1)
	require.Equal(t, client.sent[0].Hash().Hex(), txRef)

	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(11155111)), client.sent[0])
	require.NoError(t, err)
	require.Equal(t, signer.Address(), sender)

	n, err := journal.Len()
	require.NoError(t, err)
	require.Zero(t, n, "settled broadcasts leave the journal")

	// The key is now marked on chain; a replay is classified, not resent.
	_, err = contract.DistributeReward(context.Background(), recipient, rewardKey, big.NewInt(50))
	require.ErrorIs(t, err, ErrAlreadyVerified)
	require.Len(t, client.sent, 1)
}

func TestEVMContractSimulationFailureIsClassified(t *testing.T) {
	client := newFakeEVM(t)
	client.simErr = errors.New("execution reverted: Invalid amount")
	contract, _ := newTestContract(t, client, nil)
	_, err := contract.DistributeReward(context.Background(), recipient, rewardKey, big.NewInt(7))
	require.ErrorIs(t, err, ErrInvalidAmount)
	require.Empty(t, client.sent)
}

func TestEVMContractResumesJournaledBroadcast(t *testing.T) {
	client := newFakeEVM(t)
	journal, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"), nil)
	require.NoError(t, err)
	defer journal.Close()
	contract, _ := newTestContract(t, client, journal)

	landed := common.HexToHash("0x01")
	client.receipts[landed] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, TxHash: landed}
	require.NoError(t, journal.Record("distribute:"+rewardKey.Hex(), JournalEntry{Kind: "distribute", TxHash: landed.Hex(), Nonce: 0}))

	txRef, err := contract.DistributeReward(context.Background(), recipient, rewardKey, big.NewInt(50))
	require.NoError(t, err)
	require.Equal(t, landed.Hex(), txRef)
	require.Empty(t, client.sent, "a landed broadcast is never resent")
}

func TestEVMContractMintJournalIsPerReward(t *testing.T) {
	client := newFakeEVM(t)
	journal, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"), nil)
	require.NoError(t, err)
	defer journal.Close()
	contract, _ := newTestContract(t, client, journal)

	landed := common.HexToHash("0x03")
	client.receipts[landed] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, TxHash: landed}
	require.NoError(t, journal.Record("mint:"+rewardKey.Hex(), JournalEntry{Kind: "mint", TxHash: landed.Hex(), Nonce: 0}))

	// Same recipient and amount, different reward: a fresh broadcast.
	other := locationhash.Compute(40.7128, -74.0060, "ramp")
	txRef, err := contract.Mint(context.Background(), other, recipient, big.NewInt(50))
	require.NoError(t, err)
	require.Len(t, client.sent, 1)
	require.NotEqual(t, landed.Hex(), txRef)

	txRef, err = contract.Mint(context.Background(), rewardKey, recipient, big.NewInt(50))
	require.NoError(t, err)
	require.Equal(t, landed.Hex(), txRef)
	require.Len(t, client.sent, 1, "the journaled mint for this reward is resumed")
}

func TestEVMContractDropsReplacedBroadcast(t *testing.T) {
	client := newFakeEVM(t)
	client.minedNext = 5
	journal, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"), nil)
	require.NoError(t, err)
	defer journal.Close()
	contract, _ := newTestContract(t, client, journal)

	require.NoError(t, journal.Record("distribute:"+rewardKey.Hex(), JournalEntry{Kind: "distribute", TxHash: common.HexToHash("0x02").Hex(), Nonce: 3}))
	_, err = contract.DistributeReward(context.Background(), recipient, rewardKey, big.NewInt(50))
	require.NoError(t, err)
	require.Len(t, client.sent, 1)
}

func TestJournalRoundTrip(t *testing.T) {
	journal, err := OpenJournal(filepath.Join(t.TempDir(), "journal.db"), nil)
	require.NoError(t, err)
	defer journal.Close()

	_, found, err := journal.Lookup("missing")
	require.NoError(t, err)
	require.False(t, found)

	entry := JournalEntry{Kind: "mint", TxHash: "0xabc", Nonce: 9, SentAt: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, journal.Record("mint:x", entry))
	got, found, err := journal.Lookup("mint:x")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, entry.TxHash, got.TxHash)
	require.Equal(t, entry.Nonce, got.Nonce)
	require.True(t, entry.SentAt.Equal(got.SentAt))

	require.NoError(t, journal.Clear("mint:x"))
	_, found, err = journal.Lookup("mint:x")
	require.NoError(t, err)
	require.False(t, found)

	_, err = OpenJournal(" ", nil)
	require.Error(t, err)
}

func TestParseSignerKey(t *testing.T) {
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	hexKey := "0x" + common.Bytes2Hex(gethcrypto.FromECDSA(key))
	signer, err := ParseSignerKey(hexKey)
	require.NoError(t, err)
	require.Equal(t, gethcrypto.PubkeyToAddress(key.PublicKey), signer.Address())

	_, err = ParseSignerKey("")
	require.Error(t, err)
	_, err = ParseSignerKey("0xnothex")
	require.Error(t, err)
}
