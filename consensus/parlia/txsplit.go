package parlia

import (
	"errors"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrSystemTxOrderMismatch signals that a block's included system transactions do not match,
// in order and by hash, the system transactions this core independently synthesized for it.
var ErrSystemTxOrderMismatch = errors.New("parlia: system transaction order/hash mismatch")

// systemContracts is the fixed address set SystemTxClassifier checks a transaction's
// recipient against; membership alone is not sufficient (see Classify), but it is the first
// of the three conditions spec.md §4.10 requires.
var systemContracts = mapset.NewThreadUnsafeSet(
	validatorContract,
	slashContract,
	systemRewardContract,
	lightClientContract,
	stakeHubContract,
)

// SystemTxClassifier partitions a block's already-included transactions into the
// consensus-synthesized system set and the ordinary user set, and validates that a
// candidate list of system transactions matches what this core itself would have produced.
type SystemTxClassifier struct {
	signer     types.Signer
	beneficiary common.Address
}

// NewSystemTxClassifier builds a classifier for one block: signer recovers senders under the
// chain rules in effect at that block, beneficiary is the block's coinbase.
func NewSystemTxClassifier(signer types.Signer, beneficiary common.Address) *SystemTxClassifier {
	return &SystemTxClassifier{signer: signer, beneficiary: beneficiary}
}

// IsSystemTransaction reports whether tx satisfies all three conditions of spec.md §4.10:
// its recipient is a system contract, its gas price is zero, and its recovered signer is the
// block's beneficiary. All three must hold — a zero-gas-price transaction to a system
// contract from an ordinary account is not a system transaction, it is free-riding on price.
func (c *SystemTxClassifier) IsSystemTransaction(tx *types.Transaction) bool {
	to := tx.To()
	if to == nil || !systemContracts.Contains(*to) {
		return false
	}
	if tx.GasPrice().Sign() != 0 {
		return false
	}
	signer, err := types.Sender(c.signer, tx)
	if err != nil {
		return false
	}
	return signer == c.beneficiary
}

// Split partitions txs into (user, system), preserving relative order within each partition.
func (c *SystemTxClassifier) Split(txs []*types.Transaction) (user, system []*types.Transaction) {
	for _, tx := range txs {
		if c.IsSystemTransaction(tx) {
			system = append(system, tx)
		} else {
			user = append(user, tx)
		}
	}
	return user, system
}

// FilterUserTransactions returns the subset of txs that are not system transactions.
func (c *SystemTxClassifier) FilterUserTransactions(txs []*types.Transaction) []*types.Transaction {
	user, _ := c.Split(txs)
	return user
}

// FilterSystemTransactions returns the subset of txs that are system transactions.
func (c *SystemTxClassifier) FilterSystemTransactions(txs []*types.Transaction) []*types.Transaction {
	_, system := c.Split(txs)
	return system
}

// ValidateSystemTransactions checks that included, the system transactions actually present
// in a block (in block order), matches expected, the system transactions this core
// synthesized while processing that block, exactly in order and by hash. A mismatch in
// either length, order, or any single hash is a consensus violation: a block producer cannot
// reorder, drop, or substitute system transactions.
func (c *SystemTxClassifier) ValidateSystemTransactions(included, expected []*types.Transaction) error {
	if len(included) != len(expected) {
		return ErrSystemTxOrderMismatch
	}
	for i := range included {
		if included[i].Hash() != expected[i].Hash() {
			return ErrSystemTxOrderMismatch
		}
	}
	return nil
}
