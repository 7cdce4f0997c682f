package parlia

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// StoragePatch is a single (address, slot) -> value override applied outside normal EVM
// execution, around one specific historical transaction.
type StoragePatch struct {
	Address common.Address
	Storage map[common.Hash]uint256.Int
}

// hash256 is a tiny constructor so the patch tables below read as a flat literal.
func hash256(hex string) common.Hash { return common.HexToHash(hex) }

func u256(hex string) uint256.Int {
	v := new(uint256.Int)
	v.SetFromHex(hex)
	return *v
}

// mainnetPatchesBeforeTx fixes a storage-accounting bug uncovered by Hertz, by forcing four
// slots of the light-client contract to 1 immediately before the named transaction executes.
var mainnetPatchesBeforeTx = map[common.Hash]StoragePatch{
	hash256("0x7eba4edc7c1806d6ee1691d43513838931de5c94f9da56ec865721b402f775b0"): {
		Address: common.HexToAddress("0x0000000000000000000000000000000000001004"),
		Storage: map[common.Hash]uint256.Int{
			hash256("0x2872a065b21b3a75885a33b3c310b5e9b1b1b8db7cfd838c324835d39b8b5e7b"): u256("0x1"),
			hash256("0x9c6806a4d6a99e4869b9a4aaf80b0a3bf5f5240a1d6032ed82edf0e86f2a2467"): u256("0x1"),
			hash256("0xe8480d613bbf3b979aee2de4487496167735bb73df024d988e1795b3c7fa559a"): u256("0x1"),
			hash256("0xebfaec01f898f7f0e2abdb4b0aee3dfbf5ec2b287b1e92f9b62940f85d5f5bac"): u256("0x1"),
		},
	},
}

// mainnetPatchesAfterTx restores a token-bridge balance miscomputed by the EVM before Hertz,
// by forcing one slot of the token-hub-adjacent contract immediately after each named
// transaction executes.
var mainnetPatchesAfterTx = map[common.Hash]StoragePatch{
	hash256("0x7ce9a3cf77108fcc85c1e84e88e363e3335eca515dfcf2feb2011729878b13a7"): {
		Address: common.HexToAddress("0x89791428868131eb109e42340ad01eb8987526b2"),
		Storage: map[common.Hash]uint256.Int{
			hash256("0xf1e9242398de526b8dd9c25d38e65fbb01926b8940377762d7884b8b0dcdc3b0"): u256("0xf6a7831804efd2cd0a"),
		},
	},
	hash256("0xe3895eb95605d6b43ceec7876e6ff5d1c903e572bf83a08675cb684c047a695c"): {
		Address: common.HexToAddress("0x89791428868131eb109e42340ad01eb8987526b2"),
		Storage: map[common.Hash]uint256.Int{
			hash256("0xf1e9242398de526b8dd9c25d38e65fbb01926b8940377762d7884b8b0dcdc3b0"): u256("0x114be8ecea72b64003"),
		},
	},
}

// chapelPatchesAfterTx is testnet's counterpart to mainnetPatchesAfterTx: same transactions
// and slot, zeroed instead of restored, since Chapel's pre-Hertz balance never drifted.
var chapelPatchesAfterTx = map[common.Hash]StoragePatch{
	hash256("0x7ce9a3cf77108fcc85c1e84e88e363e3335eca515dfcf2feb2011729878b13a7"): {
		Address: common.HexToAddress("0x89791428868131eb109e42340ad01eb8987526b2"),
		Storage: map[common.Hash]uint256.Int{
			hash256("0xf1e9242398de526b8dd9c25d38e65fbb01926b8940377762d7884b8b0dcdc3b0"): {},
		},
	},
	hash256("0xe3895eb95605d6b43ceec7876e6ff5d1c903e572bf83a08675cb684c047a695c"): {
		Address: common.HexToAddress("0x89791428868131eb109e42340ad01eb8987526b2"),
		Storage: map[common.Hash]uint256.Int{
			hash256("0xf1e9242398de526b8dd9c25d38e65fbb01926b8940377762d7884b8b0dcdc3b0"): {},
		},
	},
}

// HertzPatchManager applies the hardcoded storage corrections BSC mainnet and Chapel needed
// around specific historical transactions when the Hertz fork changed gas-metering
// semantics retroactively. It is not consulted on the QA chain profile, which has no
// pre-Hertz history to patch.
type HertzPatchManager struct {
	isMainnet bool
}

// NewHertzPatchManager selects the mainnet or testnet patch tables for chain.
func NewHertzPatchManager(chain ChainID) *HertzPatchManager {
	return &HertzPatchManager{isMainnet: chain == ChainMainnet}
}

// PatchesBefore returns the patch to apply immediately before txHash executes, if any.
func (m *HertzPatchManager) PatchesBefore(txHash common.Hash) (StoragePatch, bool) {
	if !m.isMainnet {
		return StoragePatch{}, false
	}
	p, ok := mainnetPatchesBeforeTx[txHash]
	return p, ok
}

// PatchesAfter returns the patch to apply immediately after txHash executes, if any.
func (m *HertzPatchManager) PatchesAfter(txHash common.Hash) (StoragePatch, bool) {
	table := mainnetPatchesAfterTx
	if !m.isMainnet {
		table = chapelPatchesAfterTx
	}
	p, ok := table[txHash]
	return p, ok
}

// NeedsPatch reports whether txHash has an associated before- or after-execution patch.
func (m *HertzPatchManager) NeedsPatch(txHash common.Hash) bool {
	if _, ok := m.PatchesBefore(txHash); ok {
		return true
	}
	_, ok := m.PatchesAfter(txHash)
	return ok
}
