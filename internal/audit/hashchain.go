package audit

import (
	"sync"
)

// GenesisHash is the prev_hash value of the first entry in a chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// HashChain tracks the tip of the entry chain: the next sequence to
// assign and the hash of the last sealed entry. The appender reserves a
// slot with Next, writes the entry durably, then advances the tip with
// Commit, so a failed write never desynchronizes the in-memory tip from
// the store. Safe for concurrent use.
type HashChain struct {
	mu       sync.Mutex
	nextSeq  uint64
	lastHash string
}

// NewHashChain creates a chain starting at sequence 0 from the genesis
// hash.
func NewHashChain() *HashChain {
	return &HashChain{lastHash: GenesisHash}
}

// NewHashChainFrom creates a chain that continues from a known tip. Use
// this when resuming from an existing log.
func NewHashChainFrom(nextSeq uint64, lastHash string) *HashChain {
	if lastHash == "" {
		lastHash = GenesisHash
	}
	return &HashChain{nextSeq: nextSeq, lastHash: lastHash}
}

// Next returns the sequence and prev_hash the next entry must carry,
// without advancing the chain.
func (hc *HashChain) Next() (seq uint64, prevHash string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.nextSeq, hc.lastHash
}

// Commit advances the tip past a durably written entry.
func (hc *HashChain) Commit(seq uint64, hash string) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.nextSeq = seq + 1
	hc.lastHash = hash
}

// Seal assigns Sequence, PrevHash and Hash on e and advances the tip in
// one step. Callers that persist entries should use Next and Commit
// around the write instead.
func (hc *HashChain) Seal(e *Entry) error {
	hc.mu.Lock()
	defer hc.mu.Unlock()

	e.Sequence = hc.nextSeq
	e.PrevHash = hc.lastHash

	hash, err := EntryHash(e)
	if err != nil {
		return err
	}
	e.Hash = hash

	hc.nextSeq++
	hc.lastHash = hash
	return nil
}

// Tip returns the last committed hash, or GenesisHash for an empty
// chain.
func (hc *HashChain) Tip() string {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.lastHash
}
