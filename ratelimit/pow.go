package ratelimit

import (
	"net"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cloudillo/cloudillo/clerr"
)

// PowPenaltyReason names why a proof-of-work requirement was raised.
// Network-affecting reasons raise both the individual and network
// counters; individual-only reasons raise just the individual one
// (spec §4.D).
type PowPenaltyReason string

const (
	PowReasonConnSignatureFailure PowPenaltyReason = "conn_signature_failure"
	PowReasonConnDuplicatePending PowPenaltyReason = "conn_duplicate_pending"
	PowReasonRateLimitExceeded   PowPenaltyReason = "rate_limit_exceeded"
	PowReasonValidationFailure   PowPenaltyReason = "validation_failure"
)

// AffectsNetwork reports whether this reason propagates to the
// network-level counter in addition to the individual one.
func (r PowPenaltyReason) AffectsNetwork() bool {
	switch r {
	case PowReasonConnSignatureFailure, PowReasonRateLimitExceeded:
		return true
	default:
		return false
	}
}

// PowConfig tunes decay and caps for the counter store.
type PowConfig struct {
	DecayInterval       time.Duration
	MaxCounter          uint32
	MaxIndividualEntries int
	MaxNetworkEntries    int
}

func DefaultPowConfig() PowConfig {
	return PowConfig{
		DecayInterval:        time.Hour,
		MaxCounter:           20,
		MaxIndividualEntries: 50_000,
		MaxNetworkEntries:    10_000,
	}
}

type powCounterEntry struct {
	counter         uint32
	lastIncremented time.Time
	reason          PowPenaltyReason
}

// PowCounterStore is the hashcash-style counter from spec §4.D: a
// counter per address that decays over time, raised on suspicious
// behavior and required as a literal 'A'-suffix on signed action
// tokens before they're accepted.
type PowCounterStore struct {
	mu         sync.Mutex
	individual *lru.Cache[AddressKey, *powCounterEntry]
	network    *lru.Cache[AddressKey, *powCounterEntry]
	cfg        PowConfig
}

func NewPowCounterStore(cfg PowConfig) *PowCounterStore {
	if cfg.DecayInterval <= 0 {
		cfg = DefaultPowConfig()
	}
	individual, err := lru.New[AddressKey, *powCounterEntry](cfg.MaxIndividualEntries)
	if err != nil {
		individual, _ = lru.New[AddressKey, *powCounterEntry](50_000)
	}
	network, err := lru.New[AddressKey, *powCounterEntry](cfg.MaxNetworkEntries)
	if err != nil {
		network, _ = lru.New[AddressKey, *powCounterEntry](10_000)
	}
	return &PowCounterStore{individual: individual, network: network, cfg: cfg}
}

// GetRequirement returns the number of required PoW suffix characters
// for addr: the max of its individual and network-level counters, each
// with decay applied.
func (p *PowCounterStore) GetRequirement(addr net.IP) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ind := p.valueLocked(p.individual, IndividualKey(addr))
	netLevel := p.valueLocked(p.network, NetworkKey(addr))
	if ind > netLevel {
		return ind
	}
	return netLevel
}

// Verify checks that token ends with at least GetRequirement(addr)
// literal 'A' characters.
func (p *PowCounterStore) Verify(addr net.IP, token string) error {
	required := p.GetRequirement(addr)
	if required == 0 {
		return nil
	}
	suffix := strings.Repeat("A", int(required))
	if strings.HasSuffix(token, suffix) {
		return nil
	}
	return clerr.New(clerr.Unauthorized, "insufficient proof-of-work")
}

// Increment raises the individual counter for addr, and the network
// counter too when reason.AffectsNetwork().
func (p *PowCounterStore) Increment(addr net.IP, reason PowPenaltyReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.incrementLocked(p.individual, IndividualKey(addr), reason)
	if reason.AffectsNetwork() {
		p.incrementLocked(p.network, NetworkKey(addr), reason)
	}
}

// Decrement lowers both the individual and network counters for addr
// by amount (e.g. after a successfully verified action).
func (p *PowCounterStore) Decrement(addr net.IP, amount uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decrementLocked(p.individual, IndividualKey(addr), amount)
	p.decrementLocked(p.network, NetworkKey(addr), amount)
}

func (p *PowCounterStore) valueLocked(cache *lru.Cache[AddressKey, *powCounterEntry], key AddressKey) uint32 {
	entry, ok := cache.Peek(key)
	if !ok {
		return 0
	}
	return p.decayedLocked(entry)
}

// decayedLocked returns counter - floor(elapsed / decay_interval),
// never below zero.
func (p *PowCounterStore) decayedLocked(e *powCounterEntry) uint32 {
	elapsed := time.Since(e.lastIncremented)
	decay := uint32(elapsed / p.cfg.DecayInterval)
	if decay >= e.counter {
		return 0
	}
	return e.counter - decay
}

func (p *PowCounterStore) incrementLocked(cache *lru.Cache[AddressKey, *powCounterEntry], key AddressKey, reason PowPenaltyReason) {
	entry, ok := cache.Get(key)
	if !ok {
		cache.Add(key, &powCounterEntry{counter: 1, lastIncremented: time.Now(), reason: reason})
		return
	}
	decayed := p.decayedLocked(entry)
	next := decayed + 1
	if next > p.cfg.MaxCounter {
		next = p.cfg.MaxCounter
	}
	entry.counter = next
	entry.lastIncremented = time.Now()
	entry.reason = reason
}

func (p *PowCounterStore) decrementLocked(cache *lru.Cache[AddressKey, *powCounterEntry], key AddressKey, amount uint32) {
	entry, ok := cache.Get(key)
	if !ok {
		return
	}
	decayed := p.decayedLocked(entry)
	var next uint32
	if amount >= decayed {
		next = 0
	} else {
		next = decayed - amount
	}
	if next == 0 {
		cache.Remove(key)
		return
	}
	entry.counter = next
	entry.lastIncremented = time.Now()
}

func (p *PowCounterStore) IndividualCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.individual.Len()
}

func (p *PowCounterStore) NetworkCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.network.Len()
}
