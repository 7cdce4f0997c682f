package parlia

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// keccak256 is the single call site wrapping go-ethereum's Keccak-256; kept as a named
// helper so every digest in this package reads the same way.
func keccak256(data ...[]byte) []byte {
	return crypto.Keccak256(data...)
}

// SealVerifier recovers the address that produced a header's ECDSA seal. Recovery is pure
// and chain-id-bound, so results are cached by block hash across the lifetime of the
// verifier; callers share one instance per chain.
type SealVerifier struct {
	chainID *uint64
	cache   *lru.Cache // common.Hash -> common.Address
}

// NewSealVerifier builds a verifier bound to chainID, with a bounded LRU of recovered
// proposers keyed by header hash.
func NewSealVerifier(chainID uint64) *SealVerifier {
	cache, err := lru.New(recoveredProposerCacheSize)
	if err != nil {
		panic("parlia: failed to allocate proposer recovery cache: " + err.Error())
	}
	return &SealVerifier{chainID: &chainID, cache: cache}
}

// SealHash is the chain-id-bound RLP digest the proposer's ECDSA signature covers: every
// header field except the trailing 65 seal bytes of extra_data, plus, once the header
// carries them, the post-Cancun fields.
func (v *SealVerifier) SealHash(header *types.Header, forks *ForkSchedule) (common.Hash, error) {
	extra := header.Extra
	if len(extra) < extraSealLen {
		return common.Hash{}, ErrExtraDataTooShort
	}
	sealStrippedExtra := extra[:len(extra)-extraSealLen]

	items := []interface{}{
		v.chainID,
		header.ParentHash,
		header.UncleHash,
		header.Coinbase,
		header.Root,
		header.TxHash,
		header.ReceiptHash,
		header.Bloom,
		header.Difficulty,
		header.Number,
		header.GasLimit,
		header.GasUsed,
		header.Time,
		sealStrippedExtra,
		header.MixDigest,
		header.Nonce,
	}

	if forks != nil && forks.IsActiveAtTimestamp(ForkPlanck, header.Time) && header.BaseFee != nil {
		items = append(items, header.BaseFee)
	}
	if forks != nil && forks.IsActiveAtTimestamp(ForkBruno, header.Time) && header.WithdrawalsHash != nil {
		items = append(items, header.WithdrawalsHash)
	}
	if forks != nil && forks.IsActiveAtTimestamp(ForkHaber, header.Time) {
		if header.BlobGasUsed != nil {
			items = append(items, header.BlobGasUsed)
		}
		if header.ExcessBlobGas != nil {
			items = append(items, header.ExcessBlobGas)
		}
		if header.ParentBeaconRoot != nil {
			items = append(items, header.ParentBeaconRoot)
		}
	}

	enc, err := rlp.EncodeToBytes(items)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(keccak256(enc)), nil
}

// RecoverProposer recovers the address that produced header's seal, using and populating
// the recovery cache.
func (v *SealVerifier) RecoverProposer(header *types.Header, forks *ForkSchedule) (common.Address, error) {
	hash := header.Hash()
	if cached, ok := v.cache.Get(hash); ok {
		return cached.(common.Address), nil
	}

	if len(header.Extra) < extraSealLen {
		return common.Address{}, ErrExtraDataTooShort
	}
	sig := header.Extra[len(header.Extra)-extraSealLen:]

	sealHash, err := v.SealHash(header, forks)
	if err != nil {
		return common.Address{}, err
	}

	pubkey, err := crypto.Ecrecover(sealHash[:], sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrSealRecoveryFailed, err)
	}
	var addr common.Address
	copy(addr[:], keccak256(pubkey[1:])[12:])

	v.cache.Add(hash, addr)
	return addr, nil
}
