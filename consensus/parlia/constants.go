package parlia

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// mustUint256 parses a base-10 literal into a uint256, panicking on malformed input. Used
// only for package-level constant initialization, never on untrusted data.
func mustUint256(decimal string) *uint256.Int {
	v, err := uint256.FromDecimal(decimal)
	if err != nil {
		panic("parlia: invalid uint256 constant " + decimal + ": " + err.Error())
	}
	return v
}

// extra_data layout, fixed across every fork.
const (
	extraVanityLen = 32
	extraSealLen   = 65

	validatorNumberSize          = 1
	validatorBytesLenBeforeLuban = 20
	validatorBytesLenAfterLuban  = 68
	turnLengthSize               = 1

	voteAddressLen   = 48
	voteSignatureLen = 96

	maxAttestationExtraLength = 256
)

// Proposal difficulty values.
const (
	diffInTurn  = 2
	diffNoTurn  = 1
	defaultTurn = 1
)

// Timing constants shared between the sealing wiggle (out of scope here, kept only as the
// simulation in parlia_test.go exercises it) and the Ramanujan validation-side back-off check.
const (
	backoffTimeOfInitial        = 1000 * time.Millisecond
	lorentzBackoffTimeOfInitial = 2000 * time.Millisecond
	wiggleTime                  = 1000 * time.Millisecond
)

// checkpointInterval is the block-number stride at which the SnapshotStore persists to its
// cold tier.
const checkpointInterval = 1024

// recoveredProposerCacheSize bounds the SealVerifier's proposer-by-hash cache.
const recoveredProposerCacheSize = 4096

// System contract addresses. Immutable constants; ABI is consumed via fixed selectors only.
var (
	systemAddress         = common.HexToAddress("0xfffffffffffffffffffffffffffffffffffffffe")
	validatorContract     = common.HexToAddress("0x0000000000000000000000000000000000001000")
	slashContract         = common.HexToAddress("0x0000000000000000000000000000000000001001")
	systemRewardContract  = common.HexToAddress("0x0000000000000000000000000000000000001002")
	lightClientContract   = common.HexToAddress("0x0000000000000000000000000000000000001003")
	stakeHubContract      = common.HexToAddress("0x0000000000000000000000000000000000002000")
)

// maxSystemRewardBalance is the Kepler-era cap on the system-reward contract's balance; once
// reached, the block-reward diversion fraction stops.
var maxSystemRewardBalance = mustUint256("2000000000000000000") // 2e18

// systemRewardPercent is the right-shift applied to the block reward to compute the fraction
// diverted to the system-reward contract pre-Kepler.
const systemRewardPercent = 2

// Function selectors consumed by ExecutionHooks / SystemTxClassifier.
var (
	slashSelector                    = [4]byte{0xc9, 0x6b, 0xe4, 0xcb} // keccak256("slash(address)")[:4]
	distributeFinalityRewardSelector = [4]byte{0x30, 0x0c, 0x35, 0x67} // keccak256("distributeFinalityReward(address[],uint256[])")[:4]
)
