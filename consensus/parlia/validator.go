package parlia

import (
	"bytes"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Gas-limit bound constants: the parent-relative delta a child header's GasLimit may move
// by, expressed as a divisor of the parent's limit. Lorentz widens the epoch (and so the
// divisor) from 256 to 1024, loosening the per-block adjustment step.
const (
	minGasLimit            = 5000
	gasLimitBoundDivisor   = 256
	gasLimitBoundDivisorV2 = 1024
)

// gasLimitDivisor picks the divisor in effect for a header whose epoch length is epochLen:
// the wider, slower-moving bound applies once epochs are 500 blocks or longer (Lorentz+).
func gasLimitDivisor(epochLen uint64) uint64 {
	if epochLen >= epochLengthLorentz {
		return gasLimitBoundDivisorV2
	}
	return gasLimitBoundDivisor
}

// ElectedValidators is the validator-election contract's output for the epoch an epoch-
// boundary header opens: the validator set and (once Bohr is active) turn length the chain's
// state actually elected, as opposed to what the header merely claims. Obtaining it requires
// executing the validator contract's view functions against chain state at header's parent,
// which is outside this package's scope (a pure consensus-rules core, not an EVM); callers
// that do execute state supply it via ValidatorElectionSource.
type ElectedValidators struct {
	Validators []common.Address
	VoteAddrs  map[common.Address]VoteAddress
	TurnLength *uint8
}

// ValidatorElectionSource supplies the ElectedValidators for an epoch-boundary header. A
// real node implements this by calling the validator contract's getValidators (and, post-
// Bohr, getTurnLength) against the state as of header's parent.
type ValidatorElectionSource interface {
	ElectedValidators(header *types.Header) (*ElectedValidators, error)
}

// HeaderValidator runs the full set of per-header consensus checks: the structural /
// cascading checks that only need the header and its parent, and the seal/validator-set
// checks that additionally need the Snapshot the parent committed to.
type HeaderValidator struct {
	decoder   *HeaderDecoder
	seal      *SealVerifier
	vote      *VoteAttestationVerifier
	forks     *ForkSchedule
	slashPool *SlashPool
}

// NewHeaderValidator builds a validator wired to the given decoder, seal/vote verifiers,
// fork schedule and (optionally) a SlashPool to report out-of-turn overproposal into; a nil
// slashPool disables that detection. Callers share one instance per chain.
func NewHeaderValidator(decoder *HeaderDecoder, seal *SealVerifier, vote *VoteAttestationVerifier, forks *ForkSchedule, slashPool *SlashPool) *HeaderValidator {
	return &HeaderValidator{decoder: decoder, seal: seal, vote: vote, forks: forks, slashPool: slashPool}
}

// ValidateHeaderAgainstParent runs the cascading checks of §4.7 that compare header only
// against its immediate parent: chaining, gas limit bound, and (post-Ramanujan) the
// back-off-aware minimum block time.
func (v *HeaderValidator) ValidateHeaderAgainstParent(header, parent *types.Header, snap *Snapshot) error {
	if header.ParentHash != parent.Hash() || header.Number.Uint64() != parent.Number.Uint64()+1 {
		return ErrParentMismatch
	}

	epochLen := v.forks.EpochLength(header.Time)
	divisor := gasLimitDivisor(epochLen)
	if header.GasLimit < minGasLimit {
		return ErrGasLimitOutOfBounds
	}
	allowedDelta := parent.GasLimit/divisor - 1
	var delta uint64
	if header.GasLimit > parent.GasLimit {
		delta = header.GasLimit - parent.GasLimit
	} else {
		delta = parent.GasLimit - header.GasLimit
	}
	if delta >= allowedDelta {
		return ErrGasLimitOutOfBounds
	}

	if v.forks.IsActiveAtBlock(ForkRamanujan, header.Number.Uint64()) {
		minTime := parent.Time + v.minBlockInterval(header, snap)
		if header.Time < minTime {
			return ErrTimingViolation
		}
	}
	return nil
}

// minBlockInterval is the Ramanujan back-off-aware minimum gap between parent.Time and
// header.Time: zero for the in-turn proposer, half a turn's worth of the block interval for
// an out-of-turn one, grounded on calculate_back_off_time.
func (v *HeaderValidator) minBlockInterval(header *types.Header, snap *Snapshot) uint64 {
	if snap == nil {
		return 0
	}
	turn := snap.turnLength()
	inTurn := containsAddress([]common.Address{snap.InturnValidator()}, header.Coinbase)
	if inTurn {
		return 0
	}
	initial := backoffTimeOfInitial
	if v.forks.IsActiveAtTimestamp(ForkLorentz, header.Time) {
		initial = lorentzBackoffTimeOfInitial
	}
	backoff := initial * time.Duration(turn) / 2
	return uint64(backoff / time.Second)
}

// ValidateHeader runs the post-execution checks of §4.7 that need the Snapshot the header's
// parent committed to: seal recovery and beneficiary match, validator-set membership, the
// anti-overproposal rule, difficulty, and, on epoch boundaries, that the header's embedded
// validator bytes and turn length match what the validator-election contract actually
// elected. elected is the epoch's ElectedValidators as obtained from a
// ValidatorElectionSource; it is required to run the epoch-boundary checks and may be nil
// when the caller cannot supply it (e.g. validating headers without executing state), in
// which case those two checks are skipped rather than failed. Out-of-turn blocks whose
// in-turn validator has signed recently are reported to slashPool, per §4.8's slash-on-
// overproposal rule.
func (v *HeaderValidator) ValidateHeader(header *types.Header, snap *Snapshot, elected *ElectedValidators) error {
	proposer, err := v.seal.RecoverProposer(header, v.forks)
	if err != nil {
		return err
	}
	if proposer != header.Coinbase {
		return ErrSignerBeneficiaryMismatch
	}
	if !containsAddress(snap.Validators, proposer) {
		return ErrUnauthorizedProposer
	}
	if snap.SignRecently(proposer) {
		return ErrOverProposal
	}

	inTurn := proposer == snap.InturnValidator()
	wantDiff := uint64(diffNoTurn)
	if inTurn {
		wantDiff = diffInTurn
	}
	if header.Difficulty == nil || header.Difficulty.Uint64() != wantDiff {
		return ErrWrongDifficulty
	}

	if !inTurn && v.slashPool != nil {
		inTurnValidator := snap.InturnValidator()
		if snap.SignRecently(inTurnValidator) {
			v.slashPool.Report(inTurnValidator)
		}
	}

	if v.decoder.IsEpoch(header) && elected != nil {
		if err := v.validateEpochValidators(header, elected.Validators, elected.VoteAddrs); err != nil {
			return err
		}
		if err := v.validateTurnLength(header, elected.TurnLength); err != nil {
			return err
		}
	}

	if v.forks.IsActiveAtBlock(ForkLuban, header.Number.Uint64()) {
		att, err := v.decoder.VoteAttestation(header)
		if err != nil {
			return err
		}
		if att != nil {
			if err := v.vote.Verify(att, snap, header.Number.Uint64()-1, header.ParentHash); err != nil {
				return err
			}
		}
	}

	return nil
}

// validateEpochValidators checks that an epoch header's embedded validator bytes exactly
// match elected, the validator-election contract's result for this boundary, per
// verify_validators. The comparison is over the raw encoded bytes (addresses sorted
// ascending, plus vote addresses once Luban is active), not just set membership: a
// reordering or a stale vote-address entry is itself a consensus violation.
func (v *HeaderValidator) validateEpochValidators(header *types.Header, elected []common.Address, electedVoteAddrs map[common.Address]VoteAddress) error {
	raw, err := v.decoder.ValidatorBytes(header)
	if err != nil {
		return err
	}
	valLen := v.decoder.validatorBytesLen(header)

	sorted := make([]common.Address, len(elected))
	copy(sorted, elected)
	sort.Sort(validatorsAscending(sorted))

	expected := make([]byte, 0, len(sorted)*valLen)
	for _, addr := range sorted {
		expected = append(expected, addr[:]...)
		if valLen == validatorBytesLenAfterLuban {
			expected = append(expected, electedVoteAddrs[addr][:]...)
		}
	}
	if !bytes.Equal(raw, expected) {
		return ErrValidatorSetMismatch
	}
	return nil
}

// validateTurnLength checks that a post-Bohr epoch header's turn-length byte matches
// electedTurnLength, the value the validator-election contract elected for the new epoch.
func (v *HeaderValidator) validateTurnLength(header *types.Header, electedTurnLength *uint8) error {
	if !v.forks.IsActiveAtTimestamp(ForkBohr, header.Time) {
		return nil
	}
	tl, err := v.decoder.TurnLength(header)
	if err != nil {
		return err
	}
	if tl == nil || electedTurnLength == nil || *tl != *electedTurnLength {
		return ErrTurnLengthMismatch
	}
	return nil
}
