package parlia

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/ethereum/go-ethereum/common"
)

// SlashPool accumulates validator addresses reported for double-signing or downtime between
// blocks, deduplicated, awaiting drain into a slash(address) system transaction the next
// time ExecutionHooks runs. It carries no ordering guarantee across Drain calls, matching
// slash_pool.rs's Vec-backed dedup set.
type SlashPool struct {
	mu      sync.Mutex
	pending mapset.Set[common.Address]
}

// NewSlashPool builds an empty pool.
func NewSlashPool() *SlashPool {
	return &SlashPool{pending: mapset.NewThreadUnsafeSet[common.Address]()}
}

// Report enqueues validator for slashing, a no-op if already pending.
func (p *SlashPool) Report(validator common.Address) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending.Add(validator)
}

// Drain returns every pending address and empties the pool.
func (p *SlashPool) Drain() []common.Address {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.pending.ToSlice()
	p.pending.Clear()
	return out
}

// Len reports the number of validators currently pending slash.
func (p *SlashPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending.Cardinality()
}

// VotePool buffers gossiped VoteEnvelopes not yet folded into a header's VoteAttestation,
// deduplicated by envelope hash.
type VotePool struct {
	mu    sync.Mutex
	seen  map[common.Hash]struct{}
	votes []VoteEnvelope
}

// NewVotePool builds an empty pool.
func NewVotePool() *VotePool {
	return &VotePool{seen: make(map[common.Hash]struct{})}
}

// Insert adds vote to the pool unless its hash has already been seen. Returns false on a
// duplicate or on a hashing failure.
func (p *VotePool) Insert(vote VoteEnvelope) bool {
	h, err := vote.Hash()
	if err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[h]; ok {
		return false
	}
	p.seen[h] = struct{}{}
	p.votes = append(p.votes, vote)
	return true
}

// Drain returns every buffered vote and empties the pool, including its dedup set: the same
// vote hash may be reinserted after a later drain (e.g. once its target justifies a new
// attestation).
func (p *VotePool) Drain() []VoteEnvelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.votes
	p.votes = nil
	p.seen = make(map[common.Hash]struct{})
	return out
}

// Len reports the number of buffered votes.
func (p *VotePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.votes)
}
