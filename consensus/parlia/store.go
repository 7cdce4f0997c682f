package parlia

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	lru "github.com/hashicorp/golang-lru"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// snapshotDBPrefix namespaces the cold-tier keys so a SnapshotDB can be shared with other
// tables in the same underlying key/value store.
var snapshotDBPrefix = []byte("parlia-snapshot-")

// SnapshotDB is the narrow persistent key/value contract the cold tier needs: the
// ParliaSnapshots table of §6, addressed by a big-endian block-number key. go-ethereum's
// ethdb.Database (leveldb, pebble, memorydb) satisfies this without any adapter.
type SnapshotDB interface {
	Get(key []byte) ([]byte, error)
	Put(key []byte, value []byte) error
	Has(key []byte) (bool, error)
}

func snapshotDBKey(number uint64) []byte {
	key := make([]byte, len(snapshotDBPrefix)+8)
	copy(key, snapshotDBPrefix)
	binary.BigEndian.PutUint64(key[len(snapshotDBPrefix):], number)
	return key
}

// marshalSnapshot/unmarshalSnapshot are the self-describing binary encoding of a Snapshot
// used by the cold tier; CBOR, per §6, keeps the field names alongside the values so the
// encoding tolerates a field added by a future fork.
func marshalSnapshot(s *Snapshot) ([]byte, error) {
	return cbor.Marshal(s)
}

func unmarshalSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// ChainHeaderReader is the minimal chain-header lookup the backward-walk reconstruction
// needs. The SnapshotStore never stores headers itself; it borrows this view from whatever
// owns the header chain (sync, execution).
type ChainHeaderReader interface {
	GetHeader(hash common.Hash, number uint64) *types.Header
}

// SnapshotStore is the two-tier keyed store of Snapshots described in §4.5: an LRU hot tier
// fronting an optional persistent cold tier, with backward-walk reconstruction for numbers
// present in neither.
type SnapshotStore struct {
	cache     *lru.Cache // uint64 (block number) -> *Snapshot
	db        SnapshotDB // nil disables the cold tier entirely
	decoder   *HeaderDecoder
	seal      *SealVerifier
	forks     *ForkSchedule
	validator *HeaderValidator        // nil skips per-header consensus validation during fold
	election  ValidatorElectionSource // nil skips the epoch-boundary validator/turn-length check
}

// NewSnapshotStore builds a store with the given hot-tier capacity (2048 is the production
// default per §4.5) and optional cold tier. genesis, when non-nil, bootstraps block 0 per
// §4.5's genesis-bootstrap rule if no snapshot already exists there. validator and election
// are both optional: supplying validator makes every folded header pass the full §4.7/§4.8
// consensus checks (seal, validator-set membership, anti-overproposal, slash detection)
// before it is applied; supplying election on top of that additionally verifies an
// epoch-boundary header's embedded validator set and turn length against what the
// validator-election contract actually elected. A caller that only needs header-chain
// folding without full consensus enforcement (e.g. the parlia-snapshot CLI) can leave both
// nil.
func NewSnapshotStore(capacity int, db SnapshotDB, decoder *HeaderDecoder, seal *SealVerifier, forks *ForkSchedule, genesis *types.Header, validator *HeaderValidator, election ValidatorElectionSource) (*SnapshotStore, error) {
	cache, err := lru.New(capacity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	s := &SnapshotStore{cache: cache, db: db, decoder: decoder, seal: seal, forks: forks, validator: validator, election: election}

	if genesis != nil {
		if _, ok := s.fromCache(0); !ok {
			if _, ok := s.fromDB(0); !ok {
				snap, err := bootstrapGenesisSnapshot(genesis, decoder)
				if err != nil {
					return nil, err
				}
				s.Insert(snap)
			}
		}
	}
	return s, nil
}

// bootstrapGenesisSnapshot decodes the validator list carried by the genesis header's
// extra_data and builds the synthetic block-0 Snapshot per §4.5.
func bootstrapGenesisSnapshot(genesis *types.Header, decoder *HeaderDecoder) (*Snapshot, error) {
	validators, voteAddrs, err := decoder.EpochValidators(genesis)
	if err != nil {
		return nil, err
	}
	var voteAddrList []VoteAddress
	if voteAddrs != nil {
		voteAddrList = make([]VoteAddress, len(validators))
		for i, v := range validators {
			voteAddrList[i] = voteAddrs[v]
		}
	}
	snap := NewSnapshot(validators, 0, genesis.Hash(), epochLengthDefault, voteAddrList)
	snap.BlockHash = genesis.Hash()
	return snap, nil
}

func (s *SnapshotStore) fromCache(number uint64) (*Snapshot, bool) {
	v, ok := s.cache.Get(number)
	if !ok {
		return nil, false
	}
	return v.(*Snapshot).Clone(), true
}

func (s *SnapshotStore) fromDB(number uint64) (*Snapshot, bool) {
	if s.db == nil {
		return nil, false
	}
	raw, err := s.db.Get(snapshotDBKey(number))
	if err != nil || raw == nil {
		return nil, false
	}
	snap, err := unmarshalSnapshot(raw)
	if err != nil {
		return nil, false
	}
	return snap, true
}

// isCheckpoint reports whether number lands on a persistence boundary.
func isCheckpoint(number uint64) bool {
	return number%checkpointInterval == 0
}

// Insert stores snap in the hot tier, and in the cold tier too if its block number is a
// checkpoint. A non-checkpoint snapshot never reaches the persistent table: write
// amplification is bounded by the checkpoint stride, per §4.5.
func (s *SnapshotStore) Insert(snap *Snapshot) error {
	s.cache.Add(snap.BlockNumber, snap.Clone())
	if !isCheckpoint(snap.BlockNumber) || s.db == nil {
		return nil
	}
	raw, err := marshalSnapshot(snap)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if err := s.db.Put(snapshotDBKey(snap.BlockNumber), raw); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// Snapshot returns the Snapshot valid at block number, reconstructing it by the
// backward-walk algorithm of §4.5 if it is present in neither tier. chain and parents
// together supply any headers the walk needs that are not yet canonical: parents lets a
// caller validating an in-flight fork segment supply headers chain.GetHeader cannot yet
// resolve. A nil result with a nil error never happens; MissingAncestor signals the walk
// ran out of headers and the caller should retry once more of the chain is available.
func (s *SnapshotStore) Snapshot(chain ChainHeaderReader, number uint64, hash common.Hash, parents []*types.Header) (*Snapshot, error) {
	if snap, ok := s.fromCache(number); ok {
		return snap, nil
	}
	if isCheckpoint(number) {
		if snap, ok := s.fromDB(number); ok {
			s.cache.Add(number, snap.Clone())
			return snap, nil
		}
	}

	// Backward walk: collect headers from `number` down to the nearest cache hit,
	// checkpoint row, or genesis, consuming `parents` (most specific, supplied by the
	// caller) before falling back to the chain reader.
	var headers []*types.Header
	walkNumber, walkHash := number, hash

	for {
		if snap, ok := s.fromCache(walkNumber); ok {
			return s.foldForward(snap, headers)
		}
		if isCheckpoint(walkNumber) {
			if snap, ok := s.fromDB(walkNumber); ok {
				s.cache.Add(walkNumber, snap.Clone())
				return s.foldForward(snap, headers)
			}
		}

		var header *types.Header
		if n := len(parents); n > 0 && parents[n-1].Number.Uint64() == walkNumber && parents[n-1].Hash() == walkHash {
			header = parents[n-1]
			parents = parents[:n-1]
		} else if chain != nil {
			header = chain.GetHeader(walkHash, walkNumber)
		}
		if header == nil {
			return nil, ErrMissingAncestor
		}

		headers = append(headers, header)
		if walkNumber == 0 {
			return nil, ErrMissingAncestor
		}
		walkNumber--
		walkHash = header.ParentHash
	}
}

// foldForward replays headers (collected parent-most-first, i.e. in reverse chain order)
// onto base via Snapshot.Apply, caching every intermediate result and persisting every
// checkpoint boundary crossed, exactly as §4.5 prescribes.
func (s *SnapshotStore) foldForward(base *Snapshot, headers []*types.Header) (*Snapshot, error) {
	snap := base
	for i := len(headers) - 1; i >= 0; i-- {
		header := headers[i]

		proposer, err := s.seal.RecoverProposer(header, s.forks)
		if err != nil {
			return nil, err
		}

		if s.validator != nil {
			var elected *ElectedValidators
			if s.decoder.IsEpoch(header) && s.election != nil {
				elected, err = s.election.ElectedValidators(header)
				if err != nil {
					return nil, err
				}
			}
			if err := s.validator.ValidateHeader(header, snap, elected); err != nil {
				return nil, err
			}
		}

		var newValidators []common.Address
		var voteAddrs map[common.Address]VoteAddress
		var turnLength *uint8
		if s.decoder.IsEpoch(header) {
			newValidators, voteAddrs, err = s.decoder.EpochValidators(header)
			if err != nil {
				return nil, err
			}
			turnLength, err = s.decoder.TurnLength(header)
			if err != nil {
				return nil, err
			}
		}

		var attestation *VoteAttestation
		if s.forks.IsActiveAtBlock(ForkLuban, header.Number.Uint64()) {
			attestation, err = s.decoder.VoteAttestation(header)
			if err != nil {
				return nil, err
			}
		}

		next, err := snap.Apply(header, proposer, newValidators, voteAddrs, attestation, turnLength, s.forks)
		if err != nil {
			return nil, err
		}
		snap = next

		if err := s.Insert(snap); err != nil {
			return nil, err
		}
	}
	return snap, nil
}
