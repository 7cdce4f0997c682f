package parlia

import (
	"fmt"
	"math/bits"

	blst "github.com/supranational/blst/bindings/go"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// voteSigDST is the domain separation tag BSC fast-finality votes are signed under.
var voteSigDST = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_POP_")

// VoteAddress is a validator's compressed BLS12-381 G1 public key.
type VoteAddress [voteAddressLen]byte

// VoteSignature is a compressed BLS12-381 G2 signature.
type VoteSignature [voteSignatureLen]byte

// ValidatorsBitSet is a bitmap over a Snapshot's sorted validator list, one bit per index,
// identifying which validators' signatures were aggregated into a VoteAttestation.
type ValidatorsBitSet uint64

// PopCount returns the number of set bits.
func (b ValidatorsBitSet) PopCount() int { return bits.OnesCount64(uint64(b)) }

// IsSet reports whether the bit at index i (0-based) is set.
func (b ValidatorsBitSet) IsSet(i int) bool { return uint64(b)&(1<<uint(i)) != 0 }

// VoteData is the Casper-style justification pair a vote attests to: it votes that target
// extends source as the chain's finalized head.
type VoteData struct {
	SourceNumber uint64
	SourceHash   common.Hash
	TargetNumber uint64
	TargetHash   common.Hash
}

// Hash returns the RLP-keccak256 digest validators sign over.
func (d *VoteData) Hash() (common.Hash, error) {
	enc, err := rlp.EncodeToBytes(d)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(keccak256(enc)), nil
}

// VoteEnvelope is a single validator's unaggregated vote, as gossiped before inclusion in a
// header's attestation.
type VoteEnvelope struct {
	VoteAddress VoteAddress
	Signature   VoteSignature
	Data        VoteData
}

// Hash identifies a VoteEnvelope for VotePool deduplication.
func (v *VoteEnvelope) Hash() (common.Hash, error) {
	enc, err := rlp.EncodeToBytes(v)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(keccak256(enc)), nil
}

// VoteAttestation is the aggregated attestation a header's extra_data carries: one VoteData
// signed by every validator whose bit is set in VoteAddressSet.
type VoteAttestation struct {
	VoteAddressSet ValidatorsBitSet
	AggSignature   VoteSignature
	Data           VoteData
	Extra          []byte
}

// DecodeVoteAttestation RLP-decodes an attestation as embedded in a header's extra_data.
func DecodeVoteAttestation(b []byte) (*VoteAttestation, error) {
	var att VoteAttestation
	if err := rlp.DecodeBytes(b, &att); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAttestation, err)
	}
	if len(att.Extra) > maxAttestationExtraLength {
		return nil, ErrInvalidAttestation
	}
	return &att, nil
}

// VoteAttestationVerifier checks a header's VoteAttestation against the Snapshot it was
// produced under: the justification chain it extends, the validator subset it claims to
// represent, and the BLS aggregate signature itself.
type VoteAttestationVerifier struct{}

// NewVoteAttestationVerifier constructs a stateless verifier; BLS verification needs no
// per-instance state, unlike SealVerifier's recovery cache.
func NewVoteAttestationVerifier() *VoteAttestationVerifier {
	return &VoteAttestationVerifier{}
}

// Verify checks att was produced by the validator set in snap over parent, per:
//  1. extra length bound (already enforced at decode, re-checked defensively)
//  2. target == parent (number and hash)
//  3. source is the chain's last justified vote (continuity with snap.VoteData)
//  4. the claimed bitmap is consistent with snap's validator count
//  5. at least 2/3 of the validator set participated
//  6. the aggregate BLS signature verifies against the participating vote addresses
func (v *VoteAttestationVerifier) Verify(att *VoteAttestation, snap *Snapshot, parentNumber uint64, parentHash common.Hash) error {
	if len(att.Extra) > maxAttestationExtraLength {
		return ErrInvalidAttestation
	}
	if att.Data.TargetNumber != parentNumber || att.Data.TargetHash != parentHash {
		return ErrAttestationTarget
	}
	if (snap.VoteData != VoteData{}) {
		if att.Data.SourceNumber != snap.VoteData.TargetNumber || att.Data.SourceHash != snap.VoteData.TargetHash {
			return ErrAttestationSource
		}
	}

	n := len(snap.Validators)
	if att.VoteAddressSet.PopCount() == 0 || n == 0 {
		return ErrBLSBitmapMismatch
	}
	for i := n; i < 64; i++ {
		if att.VoteAddressSet.IsSet(i) {
			return ErrBLSBitmapMismatch
		}
	}

	threshold := (n*2 + 2) / 3 // ceil(2n/3)
	if att.VoteAddressSet.PopCount() < threshold {
		return ErrInsufficientVotes
	}

	pubkeys := make([]*blst.P1Affine, 0, att.VoteAddressSet.PopCount())
	for i, addr := range snap.Validators {
		if !att.VoteAddressSet.IsSet(i) {
			continue
		}
		info, ok := snap.ValidatorsMap[addr]
		if !ok {
			return ErrBLSBitmapMismatch
		}
		pk := new(blst.P1Affine).Uncompress(info.VoteAddr[:])
		if pk == nil {
			return ErrBLSVerifyFailed
		}
		pubkeys = append(pubkeys, pk)
	}

	digest, err := att.Data.Hash()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBLSVerifyFailed, err)
	}
	sig := new(blst.P2Affine).Uncompress(att.AggSignature[:])
	if sig == nil {
		return ErrBLSVerifyFailed
	}
	if !sig.FastAggregateVerify(true, pubkeys, digest[:], voteSigDST) {
		return ErrBLSVerifyFailed
	}
	return nil
}
