package parlia

import (
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// systemTxGas is the gas limit assigned to every synthesized system transaction: generous
// enough that none of validator.sol's reward/slash paths ever runs out, matching
// transact_system_tx's use of half of u64::MAX.
const systemTxGas = uint64(math.MaxUint64 / 2)

// SystemTransaction is a transaction the consensus layer synthesizes rather than one that
// arrived through the mempool: block rewards, slashing, finality rewards and system-contract
// upgrades. It carries no nonce or signature of its own — ToTx fills those in from state the
// caller supplies at the point of execution, and the null signature is itself the evidence of
// system origin for any off-chain verifier.
type SystemTransaction struct {
	To    common.Address
	Value *uint256.Int
	Data  []byte
}

// ToTx renders t as an executable transaction: sender is always implicitly SYSTEM_ADDRESS
// (or, pre-Feynman, the block's beneficiary — callers executing against historical state
// supply whichever their EVM wiring uses as the system caller), gas price zero, gas the fixed
// systemTxGas.
func (t *SystemTransaction) ToTx(nonce uint64, chainID *big.Int) *types.Transaction {
	value := new(big.Int)
	if t.Value != nil {
		value = t.Value.ToBig()
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: big.NewInt(0),
		Gas:      systemTxGas,
		To:       &t.To,
		Value:    value,
		Data:     t.Data,
	})
}

// Matches reports whether tx is the execution of t: same recipient, value and calldata. It
// deliberately ignores nonce, gas and signature, since those are assigned only once a
// SystemTransaction is placed into a real block — this is how SystemTxClassifier cross-checks
// an externally-produced block's included system transactions against the set this core
// independently synthesized for it.
func (t *SystemTransaction) Matches(tx *types.Transaction) bool {
	to := tx.To()
	if to == nil || *to != t.To {
		return false
	}
	want := new(big.Int)
	if t.Value != nil {
		want = t.Value.ToBig()
	}
	if tx.Value().Cmp(want) != 0 {
		return false
	}
	return string(tx.Data()) == string(t.Data)
}

// ContractUpgradeProvider supplies the replacement bytecode for a system contract at a fork
// boundary. This core tracks only the timing (which fork activates at which block) and the
// address being upgraded; the bytecode itself is chain configuration data, not a consensus
// rule, and is supplied by whatever genesis/chain-config layer the caller maintains (the
// same separation go-ethereum itself draws between consensus engines and `core/genesis.go`).
type ContractUpgradeProvider interface {
	UpgradeBytecode(fork Fork, address common.Address) ([]byte, bool)
}

// ExecutionHooks synthesizes the system transactions a block must execute before and after
// its user transactions: contract upgrades and genesis deployment (pre-execution), and
// slashing, block reward distribution and finality rewards (post-execution).
type ExecutionHooks struct {
	forks        *ForkSchedule
	slashPool    *SlashPool
	upgrades     map[Fork][]common.Address
	upgradeCode  ContractUpgradeProvider
}

// NewExecutionHooks builds hooks wired to forks and slashPool. upgradeTable associates each
// fork that upgrades system contracts with the addresses it touches; upgradeCode, optional,
// supplies the replacement bytecode. A nil upgradeCode disables UpgradeTransactions (PendingUpgrades
// still reports timing for callers that apply bytecode themselves).
func NewExecutionHooks(forks *ForkSchedule, slashPool *SlashPool, upgradeTable map[Fork][]common.Address, upgradeCode ContractUpgradeProvider) *ExecutionHooks {
	return &ExecutionHooks{forks: forks, slashPool: slashPool, upgrades: upgradeTable, upgradeCode: upgradeCode}
}

// activatesAtBlock reports whether fork's activation condition is block-gated and equal to
// exactly number: the single block at which an upgrade boundary fires, not every block after.
func (h *ExecutionHooks) activatesAtBlock(fork Fork, number uint64) bool {
	return h.forks.IsActiveAtBlock(fork, number) && !h.forks.IsActiveAtBlock(fork, number-1)
}

// PendingUpgrades returns the system contract addresses whose bytecode changes at exactly
// header's block number, across every fork in the upgrade table.
func (h *ExecutionHooks) PendingUpgrades(header *types.Header) []common.Address {
	number := header.Number.Uint64()
	if number == 0 {
		return nil
	}
	var out []common.Address
	for fork, addrs := range h.upgrades {
		if h.activatesAtBlock(fork, number) {
			out = append(out, addrs...)
		}
	}
	return out
}

// UpgradeTransactions renders PendingUpgrades into system transactions that overwrite each
// contract's code, using upgradeCode to source the bytecode. A contract with no registered
// bytecode is skipped, not an error: not every fork upgrades every contract it lists for
// timing purposes only.
func (h *ExecutionHooks) UpgradeTransactions(header *types.Header) []*SystemTransaction {
	if h.upgradeCode == nil {
		return nil
	}
	number := header.Number.Uint64()
	var txs []*SystemTransaction
	for fork, addrs := range h.upgrades {
		if !h.activatesAtBlock(fork, number) {
			continue
		}
		for _, addr := range addrs {
			code, ok := h.upgradeCode.UpgradeBytecode(fork, addr)
			if !ok {
				continue
			}
			txs = append(txs, &SystemTransaction{To: addr, Value: new(uint256.Int), Data: code})
		}
	}
	return txs
}

// IsGenesisContractDeployBlock reports whether header is the one block at which the initial
// system contract set is deployed (block #1; block #0, the genesis block itself, never
// executes transactions).
func (h *ExecutionHooks) IsGenesisContractDeployBlock(header *types.Header) bool {
	return header.Number.Uint64() == 1
}

// SlashTransactions drains the SlashPool and renders each pending validator into a
// slash(address) system transaction against slashContract.
func (h *ExecutionHooks) SlashTransactions() []*SystemTransaction {
	pending := h.slashPool.Drain()
	if len(pending) == 0 {
		return nil
	}
	txs := make([]*SystemTransaction, 0, len(pending))
	for _, addr := range pending {
		txs = append(txs, &SystemTransaction{
			To:    slashContract,
			Value: new(uint256.Int),
			Data:  encodeSlash(addr),
		})
	}
	return txs
}

func encodeSlash(validator common.Address) []byte {
	data := make([]byte, 4+32)
	copy(data[:4], slashSelector[:])
	copy(data[4+12:4+32], validator[:])
	return data
}

// BlockRewardTransactions computes the system transactions that distribute a block's
// collected fees, held at systemAddress, to the validator set. systemBalance is the amount
// the caller observed at systemAddress after executing the block's user transactions;
// systemRewardBalance is systemRewardContract's current balance, needed to cap the
// Kepler-era diversion at maxSystemRewardBalance. Pre-Kepler headers never divert: the whole
// balance goes to validatorContract.
func (h *ExecutionHooks) BlockRewardTransactions(header *types.Header, systemBalance, systemRewardBalance *uint256.Int) []*SystemTransaction {
	if systemBalance == nil || systemBalance.IsZero() {
		return nil
	}
	reward := new(uint256.Int).Set(systemBalance)
	var txs []*SystemTransaction

	if h.forks.IsActiveAtTimestamp(ForkKepler, header.Time) && systemRewardBalance != nil && systemRewardBalance.Lt(maxSystemRewardBalance) {
		toSystemReward := new(uint256.Int).Rsh(reward, systemRewardPercent)
		remaining := new(uint256.Int).Sub(maxSystemRewardBalance, systemRewardBalance)
		if toSystemReward.Gt(remaining) {
			toSystemReward = remaining
		}
		if !toSystemReward.IsZero() {
			txs = append(txs, &SystemTransaction{To: systemRewardContract, Value: toSystemReward})
			reward = new(uint256.Int).Sub(reward, toSystemReward)
		}
	}

	if !reward.IsZero() {
		txs = append(txs, &SystemTransaction{To: validatorContract, Value: reward})
	}
	return txs
}

// finalityRewardArgs is the (address[],uint256[]) ABI shape distributeFinalityReward expects.
var finalityRewardArgs = mustFinalityRewardArgs()

func mustFinalityRewardArgs() abi.Arguments {
	addrSlice, err := abi.NewType("address[]", "", nil)
	if err != nil {
		panic(err)
	}
	uintSlice, err := abi.NewType("uint256[]", "", nil)
	if err != nil {
		panic(err)
	}
	return abi.Arguments{{Type: addrSlice}, {Type: uintSlice}}
}

// FinalityRewardTransactions builds the Plato-gated distributeFinalityReward system
// transaction rewarding validators for vote-attestation participation. Returns nil before
// Plato activates, or if validators is empty.
func (h *ExecutionHooks) FinalityRewardTransactions(header *types.Header, validators []common.Address, weights []*uint256.Int) ([]*SystemTransaction, error) {
	if !h.forks.IsActiveAtBlock(ForkPlato, header.Number.Uint64()) || len(validators) == 0 {
		return nil, nil
	}
	amounts := make([]*big.Int, len(weights))
	for i, w := range weights {
		amounts[i] = w.ToBig()
	}
	packed, err := finalityRewardArgs.Pack(validators, amounts)
	if err != nil {
		return nil, err
	}
	data := make([]byte, 0, 4+len(packed))
	data = append(data, distributeFinalityRewardSelector[:]...)
	data = append(data, packed...)
	return []*SystemTransaction{{To: validatorContract, Value: new(uint256.Int), Data: data}}, nil
}

// PreExecutionTransactions returns, in execution order, the system transactions that must run
// before header's user transactions: pending contract upgrades, then genesis deployment.
func (h *ExecutionHooks) PreExecutionTransactions(header *types.Header) []*SystemTransaction {
	txs := h.UpgradeTransactions(header)
	return txs
}

// PostExecutionTransactions returns, in execution order, the system transactions that must
// run after header's user transactions: slashing, block reward distribution, then (once
// Plato is active) the finality reward, matching executor.rs's finish() ordering.
func (h *ExecutionHooks) PostExecutionTransactions(header *types.Header, systemBalance, systemRewardBalance *uint256.Int, finalityValidators []common.Address, finalityWeights []*uint256.Int) ([]*SystemTransaction, error) {
	var txs []*SystemTransaction
	txs = append(txs, h.SlashTransactions()...)
	txs = append(txs, h.BlockRewardTransactions(header, systemBalance, systemRewardBalance)...)

	finality, err := h.FinalityRewardTransactions(header, finalityValidators, finalityWeights)
	if err != nil {
		return nil, err
	}
	txs = append(txs, finality...)
	return txs, nil
}
