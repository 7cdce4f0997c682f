package parlia

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// RPCValidatorInfo is a single validator's entry in a SnapshotResult's validators map.
type RPCValidatorInfo struct {
	Index     uint64 `json:"index"`
	VoteAddr  string `json:"voteAddress"`
}

// blockIntervalSeconds is BSC's fixed block cadence. It is not derived from any header or
// Snapshot field; the original's SnapshotResult carries it as a hardcoded constant, and this
// conversion does the same.
const blockIntervalSeconds = 3

// RPCVoteData mirrors VoteData in the parlia_getSnapshot JSON shape.
type RPCVoteData struct {
	SourceNumber uint64      `json:"sourceNumber"`
	SourceHash   common.Hash `json:"sourceHash"`
	TargetNumber uint64      `json:"targetNumber"`
	TargetHash   common.Hash `json:"targetHash"`
}

// RPCAttestation mirrors the subset of VoteAttestation a JSON-RPC client can consume: the
// bitmap and signature as hex strings, alongside the justification pair.
type RPCAttestation struct {
	VoteAddressSet uint64      `json:"voteAddressSet"`
	AggSignature   string      `json:"aggSignature"`
	Data           RPCVoteData `json:"data"`
}

// SnapshotResult is the parlia_getSnapshot response shape of spec.md §6.
type SnapshotResult struct {
	Number           uint64                               `json:"number"`
	Hash             common.Hash                          `json:"hash"`
	EpochLength      uint64                                `json:"epochLength"`
	TurnLength       uint8                                 `json:"turnLength"`
	BlockInterval    uint64                                `json:"blockInterval"`
	Validators       map[common.Address]RPCValidatorInfo   `json:"validators"`
	Recents          map[uint64]common.Address             `json:"recents"`
	RecentForkHashes map[uint64]common.Hash                `json:"recentForkHashes"`
	Attestation      *RPCAttestation                       `json:"attestation,omitempty"`
}

// ToRPCResult converts s into its JSON-RPC shape. recentForkHashes, per §C.4, is derived from
// the last MinerHistoryCheckLen window's blocks: each recorded proposer's block number mapped
// to s.VoteData.TargetHash, the attestation-justified head those blocks built towards — the
// same value the original's SnapshotResult.recent_fork_hashes reports for an unattested chain
// segment.
func (s *Snapshot) ToRPCResult() SnapshotResult {
	validators := make(map[common.Address]RPCValidatorInfo, len(s.Validators))
	for addr, info := range s.ValidatorsMap {
		validators[addr] = RPCValidatorInfo{
			Index:    info.Index,
			VoteAddr: "0x" + common.Bytes2Hex(info.VoteAddr[:]),
		}
	}

	recents := make(map[uint64]common.Address, len(s.RecentProposers))
	forkHashes := make(map[uint64]common.Hash, len(s.RecentProposers))
	for number, addr := range s.RecentProposers {
		recents[number] = addr
		forkHashes[number] = s.VoteData.TargetHash
	}

	var attestation *RPCAttestation
	if s.Attestation != nil {
		attestation = &RPCAttestation{
			VoteAddressSet: uint64(s.Attestation.VoteAddressSet),
			AggSignature:   "0x" + common.Bytes2Hex(s.Attestation.AggSignature[:]),
			Data: RPCVoteData{
				SourceNumber: s.Attestation.Data.SourceNumber,
				SourceHash:   s.Attestation.Data.SourceHash,
				TargetNumber: s.Attestation.Data.TargetNumber,
				TargetHash:   s.Attestation.Data.TargetHash,
			},
		}
	}

	return SnapshotResult{
		Number:           s.BlockNumber,
		Hash:             s.BlockHash,
		EpochLength:      s.EpochNum,
		TurnLength:       uint8(s.turnLength()),
		BlockInterval:    blockIntervalSeconds,
		Validators:       validators,
		Recents:          recents,
		RecentForkHashes: forkHashes,
		Attestation:      attestation,
	}
}

// ParseBlockNumber parses a block-number argument as geth's RPC layer accepts it: either a
// decimal string or a "0x"-prefixed hexadecimal string.
func ParseBlockNumber(s string) (uint64, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		n, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("parlia: invalid hex block number %q: %w", s, err)
		}
		return n, nil
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parlia: invalid block number %q: %w", s, err)
	}
	return n, nil
}
