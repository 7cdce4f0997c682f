package parlia

import (
	"bytes"
	"math"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ValidatorInfo is a validator's metadata within a given Snapshot: its 1-based position in
// the sorted validator set and its BLS vote-signing key.
type ValidatorInfo struct {
	Index      uint64      `cbor:"index"`
	VoteAddr   VoteAddress `cbor:"vote_addr"`
}

// Snapshot is the immutable, value-typed validator-set state a block is valid after. It is
// cheap to clone (BSC validator sets are at most a few dozen addresses) and is shared across
// goroutines only through a SnapshotStore; callers always receive their own copy.
type Snapshot struct {
	EpochNum        uint64                         `cbor:"epoch_num"`
	BlockNumber     uint64                         `cbor:"block_number"`
	BlockHash       common.Hash                    `cbor:"block_hash"`
	Validators      []common.Address               `cbor:"validators"`
	ValidatorsMap   map[common.Address]ValidatorInfo `cbor:"validators_map"`
	RecentProposers map[uint64]common.Address      `cbor:"recent_proposers"`
	VoteData        VoteData                       `cbor:"vote_data"`
	Attestation     *VoteAttestation               `cbor:"attestation"`
	TurnLength      *uint8                         `cbor:"turn_length"`
}

// validatorsAscending sorts addresses byte-lexicographically, the ordering Snapshot's
// invariants require of Validators.
type validatorsAscending []common.Address

func (v validatorsAscending) Len() int           { return len(v) }
func (v validatorsAscending) Less(i, j int) bool { return bytes.Compare(v[i][:], v[j][:]) < 0 }
func (v validatorsAscending) Swap(i, j int)      { v[i], v[j] = v[j], v[i] }

// NewSnapshot creates the genesis (or any brand-new epoch) Snapshot from an already-sorted
// or unsorted validator list. voteAddrs, when non-nil, must be the same length as validators
// and in the same relative order; when nil (pre-Bohr genesis) every ValidatorInfo gets a
// zero vote address.
func NewSnapshot(validators []common.Address, blockNumber uint64, blockHash common.Hash, epochNum uint64, voteAddrs []VoteAddress) *Snapshot {
	sorted := make([]common.Address, len(validators))
	copy(sorted, validators)
	sort.Sort(validatorsAscending(sorted))

	vmap := make(map[common.Address]ValidatorInfo, len(sorted))
	for i, v := range sorted {
		info := ValidatorInfo{Index: uint64(i) + 1}
		if voteAddrs != nil {
			info.VoteAddr = voteAddrs[i]
		}
		vmap[v] = info
	}

	turn := uint8(defaultTurn)
	return &Snapshot{
		EpochNum:        epochNum,
		BlockNumber:     blockNumber,
		BlockHash:       blockHash,
		Validators:      sorted,
		ValidatorsMap:   vmap,
		RecentProposers: make(map[uint64]common.Address),
		TurnLength:      &turn,
	}
}

// Clone returns an independent deep copy.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		EpochNum:    s.EpochNum,
		BlockNumber: s.BlockNumber,
		BlockHash:   s.BlockHash,
		VoteData:    s.VoteData,
		Attestation: s.Attestation,
	}
	out.Validators = append([]common.Address(nil), s.Validators...)
	out.ValidatorsMap = make(map[common.Address]ValidatorInfo, len(s.ValidatorsMap))
	for k, v := range s.ValidatorsMap {
		out.ValidatorsMap[k] = v
	}
	out.RecentProposers = make(map[uint64]common.Address, len(s.RecentProposers))
	for k, v := range s.RecentProposers {
		out.RecentProposers[k] = v
	}
	if s.TurnLength != nil {
		tl := *s.TurnLength
		out.TurnLength = &tl
	}
	return out
}

// turnLength returns the effective turn length, defaulting to 1 when unset (pre-Bohr).
func (s *Snapshot) turnLength() uint64 {
	if s.TurnLength == nil {
		return defaultTurn
	}
	return uint64(*s.TurnLength)
}

// MinerHistoryCheckLen is the sliding anti-overproposal window size:
// (floor(|validators|/2)+1) * turn_length - 1.
func (s *Snapshot) MinerHistoryCheckLen() uint64 {
	return uint64(len(s.Validators)/2+1)*s.turnLength() - 1
}

// InturnValidator is the validator expected to propose the next block.
func (s *Snapshot) InturnValidator() common.Address {
	turn := s.turnLength()
	idx := ((s.BlockNumber + 1) / turn) % uint64(len(s.Validators))
	return s.Validators[idx]
}

// IndexOf returns the 1-based index of validator, or 0 if absent.
func (s *Snapshot) IndexOf(validator common.Address) uint64 {
	if info, ok := s.ValidatorsMap[validator]; ok {
		return info.Index
	}
	return 0
}

// countRecentProposers tallies, within the anti-overproposal window, how many times each
// non-sentinel validator has proposed.
func (s *Snapshot) countRecentProposers() map[common.Address]uint64 {
	window := s.MinerHistoryCheckLen()
	var leftBound uint64
	if s.BlockNumber > window {
		leftBound = s.BlockNumber - window
	}
	counts := make(map[common.Address]uint64)
	for block, v := range s.RecentProposers {
		if block <= leftBound || v == (common.Address{}) {
			continue
		}
		counts[v]++
	}
	return counts
}

// SignRecently reports whether validator has proposed at least turn_length times within the
// current anti-overproposal window, and so must not propose again yet.
func (s *Snapshot) SignRecently(validator common.Address) bool {
	counts := s.countRecentProposers()
	return counts[validator] >= s.turnLength()
}

// Apply derives the successor Snapshot for next_header, proposed by validator. It returns
// ErrNonConsecutiveApply, ErrUnauthorizedProposer or ErrOverProposal on rejection; callers
// must treat any error as a hard consensus failure for that header and must not use a
// partially-built result.
func (s *Snapshot) Apply(
	header *types.Header,
	validator common.Address,
	newValidators []common.Address,
	voteAddrs map[common.Address]VoteAddress,
	attestation *VoteAttestation,
	turnLength *uint8,
	forks *ForkSchedule,
) (*Snapshot, error) {
	blockNumber := header.Number.Uint64()
	if s.BlockNumber+1 != blockNumber {
		return nil, ErrNonConsecutiveApply
	}

	snap := s.Clone()
	snap.BlockHash = header.Hash()
	snap.BlockNumber = blockNumber

	window := s.MinerHistoryCheckLen()
	limit := window + 1
	if blockNumber >= limit {
		delete(snap.RecentProposers, blockNumber-limit)
	}

	if !containsAddress(snap.Validators, validator) {
		return nil, ErrUnauthorizedProposer
	}
	if snap.SignRecently(validator) {
		return nil, ErrOverProposal
	}
	snap.RecentProposers[blockNumber] = validator

	isBohr := forks != nil && forks.IsActiveAtTimestamp(ForkBohr, header.Time)
	epochKey := math.MaxUint64 - header.Number.Uint64()/snap.EpochNum

	if len(newValidators) > 0 {
		_, sentinelPresent := snap.RecentProposers[epochKey]
		if !isBohr || !sentinelPresent {
			sorted := make([]common.Address, len(newValidators))
			copy(sorted, newValidators)
			sort.Sort(validatorsAscending(sorted))

			if turnLength != nil {
				tl := *turnLength
				snap.TurnLength = &tl
			}

			if isBohr {
				snap.RecentProposers = map[uint64]common.Address{epochKey: {}}
			} else {
				newLimit := uint64(len(sorted)/2 + 1)
				if newLimit < limit {
					for i := uint64(0); i < limit-newLimit; i++ {
						delete(snap.RecentProposers, blockNumber-newLimit-i)
					}
				}
			}

			vmap := make(map[common.Address]ValidatorInfo, len(sorted))
			for i, v := range sorted {
				info := ValidatorInfo{Index: uint64(i) + 1}
				if addr, ok := voteAddrs[v]; ok {
					info.VoteAddr = addr
				}
				vmap[v] = info
			}
			snap.Validators = sorted
			snap.ValidatorsMap = vmap
		}
	}

	if attestation != nil {
		snap.VoteData = attestation.Data
		snap.Attestation = attestation
	}

	if forks != nil {
		snap.EpochNum = forks.EpochLength(header.Time)
	}

	return snap, nil
}

func containsAddress(list []common.Address, addr common.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}
