package parlia

import "errors"

// Sentinel errors, grouped by the error kinds spec'd for this core. Callers use errors.Is
// against these, or errors.As against the wrapping types below for structured detail.
var (
	// MalformedHeader
	ErrExtraDataTooShort    = errors.New("parlia: extra_data shorter than vanity+seal")
	ErrInvalidValidatorsLen = errors.New("parlia: validator bytes length inconsistent with declared count")
	ErrTruncatedTurnLength  = errors.New("parlia: epoch header truncated before turn-length byte")
	ErrInvalidAttestation   = errors.New("parlia: vote attestation RLP decode failed")

	// ConsensusViolation
	ErrUnauthorizedProposer  = errors.New("parlia: proposer not in validator set")
	ErrOverProposal          = errors.New("parlia: proposer signed too recently")
	ErrWrongDifficulty       = errors.New("parlia: difficulty does not match turn status")
	ErrValidatorSetMismatch  = errors.New("parlia: epoch validator bytes mismatch")
	ErrTurnLengthMismatch    = errors.New("parlia: turn length mismatch at epoch boundary")
	ErrTimingViolation       = errors.New("parlia: block produced before its allowed timestamp")
	ErrNonConsecutiveApply   = errors.New("parlia: snapshot apply is not for the immediate child block")
	ErrGasLimitOutOfBounds   = errors.New("parlia: gas limit outside parent-relative bound")
	ErrParentMismatch        = errors.New("parlia: header does not chain to parent")
	ErrSignerBeneficiaryMismatch = errors.New("parlia: recovered signer does not match beneficiary")

	// CryptoFailure
	ErrSealRecoveryFailed   = errors.New("parlia: seal signature recovery failed")
	ErrInvalidRecoveryID    = errors.New("parlia: invalid ECDSA recovery id")
	ErrAttestationTarget    = errors.New("parlia: vote attestation target does not match parent")
	ErrAttestationSource    = errors.New("parlia: vote attestation source is not justified")
	ErrBLSVerifyFailed      = errors.New("parlia: BLS aggregate signature verification failed")
	ErrBLSBitmapMismatch    = errors.New("parlia: BLS bitmap population does not match key count")
	ErrInsufficientVotes    = errors.New("parlia: attestation carries fewer than 2/3 of the validator set")

	// MissingAncestor
	ErrMissingAncestor = errors.New("parlia: snapshot unavailable, required ancestor header missing")

	// PersistenceFailure
	ErrPersistence = errors.New("parlia: snapshot store read/write failure")
)
