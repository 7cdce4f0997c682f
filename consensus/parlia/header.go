package parlia

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// HeaderDecoder parses the parts of a header's extra_data whose layout shifts across hard
// forks: the epoch validator list, the Bohr turn-length byte and the embedded vote
// attestation. It is stateless beyond the ForkSchedule it was built with.
type HeaderDecoder struct {
	forks *ForkSchedule
}

// NewHeaderDecoder builds a decoder bound to forks.
func NewHeaderDecoder(forks *ForkSchedule) *HeaderDecoder {
	return &HeaderDecoder{forks: forks}
}

// IsEpoch reports whether header sits on an epoch boundary, under the epoch length in
// effect at its timestamp.
func (d *HeaderDecoder) IsEpoch(header *types.Header) bool {
	return header.Number.Uint64()%d.forks.EpochLength(header.Time) == 0
}

// validatorBytesLen is the per-validator entry size: 20 bytes (address only) before Luban,
// 68 bytes (address + 48-byte BLS vote address) from Luban on.
func (d *HeaderDecoder) validatorBytesLen(header *types.Header) int {
	if d.forks.IsActiveAtBlock(ForkLuban, header.Number.Uint64()) {
		return validatorBytesLenAfterLuban
	}
	return validatorBytesLenBeforeLuban
}

// ValidatorBytes returns the raw validator-entry bytes embedded in an epoch header's
// extra_data. A non-epoch header returns (nil, nil): there is nothing to extract, not an
// error.
//
// Pre-Luban, the middle region carries no count prefix: it is simply a concatenation of
// 20-byte addresses whose total length must be a multiple of 20. Luban introduces the
// leading 1-byte count this function used to assume unconditionally.
func (d *HeaderDecoder) ValidatorBytes(header *types.Header) ([]byte, error) {
	if !d.IsEpoch(header) {
		return nil, nil
	}
	extra := header.Extra
	if len(extra) < extraVanityLen+extraSealLen {
		return nil, ErrExtraDataTooShort
	}

	if !d.forks.IsActiveAtBlock(ForkLuban, header.Number.Uint64()) {
		raw := extra[extraVanityLen : len(extra)-extraSealLen]
		if len(raw)%validatorBytesLenBeforeLuban != 0 {
			return nil, ErrInvalidValidatorsLen
		}
		return raw, nil
	}

	if len(extra) < extraVanityLen+validatorNumberSize+extraSealLen {
		return nil, ErrExtraDataTooShort
	}
	num := int(extra[extraVanityLen])
	start := extraVanityLen + validatorNumberSize
	end := start + num*validatorBytesLenAfterLuban
	if end+extraSealLen > len(extra) {
		return nil, ErrInvalidValidatorsLen
	}
	return extra[start:end], nil
}

// ParseValidators splits raw validator-entry bytes (as returned by ValidatorBytes) into
// addresses and, once entries carry them (valLen == validatorBytesLenAfterLuban), their BLS
// vote addresses.
func ParseValidators(raw []byte, valLen int) ([]common.Address, map[common.Address]VoteAddress, error) {
	if valLen <= 0 || len(raw)%valLen != 0 {
		return nil, nil, ErrInvalidValidatorsLen
	}
	n := len(raw) / valLen
	validators := make([]common.Address, n)
	var voteAddrs map[common.Address]VoteAddress
	if valLen == validatorBytesLenAfterLuban {
		voteAddrs = make(map[common.Address]VoteAddress, n)
	}
	for i := 0; i < n; i++ {
		chunk := raw[i*valLen : (i+1)*valLen]
		var addr common.Address
		copy(addr[:], chunk[:common.AddressLength])
		validators[i] = addr
		if voteAddrs != nil {
			var va VoteAddress
			copy(va[:], chunk[common.AddressLength:])
			voteAddrs[addr] = va
		}
	}
	return validators, voteAddrs, nil
}

// EpochValidators is the ValidatorBytes+ParseValidators convenience used by HeaderValidator
// and Snapshot.Apply.
func (d *HeaderDecoder) EpochValidators(header *types.Header) ([]common.Address, map[common.Address]VoteAddress, error) {
	raw, err := d.ValidatorBytes(header)
	if err != nil || raw == nil {
		return nil, nil, err
	}
	return ParseValidators(raw, d.validatorBytesLen(header))
}

// TurnLength returns the epoch's configured turn length. It is present only on epoch
// headers once Bohr is active; any other header returns (nil, nil).
func (d *HeaderDecoder) TurnLength(header *types.Header) (*uint8, error) {
	if !d.IsEpoch(header) || !d.forks.IsActiveAtTimestamp(ForkBohr, header.Time) {
		return nil, nil
	}
	valBytes, err := d.ValidatorBytes(header)
	if err != nil {
		return nil, err
	}
	offset := extraVanityLen + validatorNumberSize + len(valBytes)
	if offset+turnLengthSize+extraSealLen > len(header.Extra) {
		return nil, ErrTruncatedTurnLength
	}
	tl := header.Extra[offset]
	return &tl, nil
}

// VoteAttestation extracts and RLP-decodes the VoteAttestation embedded in header's
// extra_data, if any. A header carrying no attestation bytes returns (nil, nil); a header
// whose attestation bytes fail to decode returns an error, per this core's stricter-than-
// upstream contract on malformed data.
func (d *HeaderDecoder) VoteAttestation(header *types.Header) (*VoteAttestation, error) {
	extra := header.Extra
	if len(extra) < extraVanityLen+extraSealLen {
		return nil, ErrExtraDataTooShort
	}

	isLuban := d.forks.IsActiveAtBlock(ForkLuban, header.Number.Uint64())

	start := extraVanityLen
	if d.IsEpoch(header) {
		valBytes, err := d.ValidatorBytes(header)
		if err != nil {
			return nil, err
		}
		start += len(valBytes)
		if isLuban {
			start += validatorNumberSize
			if d.forks.IsActiveAtTimestamp(ForkBohr, header.Time) {
				start += turnLengthSize
			}
		}
	}

	end := len(extra) - extraSealLen
	if start > end {
		return nil, ErrExtraDataTooShort
	}
	raw := extra[start:end]
	if len(raw) == 0 {
		return nil, nil
	}
	if !isLuban {
		// Pre-Luban headers never carry an attestation; leftover bytes here are malformed,
		// not an unrecognized attestation.
		return nil, ErrInvalidAttestation
	}
	return DecodeVoteAttestation(raw)
}
