package ratelimit

import (
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/cloudillo/cloudillo/clerr"
)

// Category names an endpoint category with its own quota set.
type Category string

const (
	CategoryAuth       Category = "auth"
	CategoryFederation Category = "federation"
	CategoryGeneral    Category = "general"
	CategoryWebsocket  Category = "websocket"
)

// TierConfig configures one short-term/long-term limiter pair.
type TierConfig struct {
	ShortTermRPS   float64
	ShortTermBurst int
	LongTermRPH    float64
	LongTermBurst  int
}

// CategoryConfig is one endpoint category's quota for all four levels.
type CategoryConfig struct {
	IPv4Individual TierConfig
	IPv4Network    TierConfig
	IPv6Subnet     TierConfig
	IPv6Provider   TierConfig
}

// Config is the full rate limiter configuration.
type Config struct {
	Auth           CategoryConfig
	Federation     CategoryConfig
	General        CategoryConfig
	Websocket      CategoryConfig
	MaxTrackedIPs  int
}

// DefaultConfig gives every category a generous general-purpose quota;
// callers tune per-deployment via viper (spec's ambient config layer).
func DefaultConfig() Config {
	general := CategoryConfig{
		IPv4Individual: TierConfig{ShortTermRPS: 10, ShortTermBurst: 20, LongTermRPH: 2000, LongTermBurst: 200},
		IPv4Network:    TierConfig{ShortTermRPS: 50, ShortTermBurst: 100, LongTermRPH: 10000, LongTermBurst: 1000},
		IPv6Subnet:     TierConfig{ShortTermRPS: 10, ShortTermBurst: 20, LongTermRPH: 2000, LongTermBurst: 200},
		IPv6Provider:   TierConfig{ShortTermRPS: 50, ShortTermBurst: 100, LongTermRPH: 10000, LongTermBurst: 1000},
	}
	auth := general
	auth.IPv4Individual = TierConfig{ShortTermRPS: 1, ShortTermBurst: 5, LongTermRPH: 60, LongTermBurst: 10}
	federation := general
	websocket := general
	websocket.IPv4Individual = TierConfig{ShortTermRPS: 5, ShortTermBurst: 10, LongTermRPH: 500, LongTermBurst: 50}

	return Config{Auth: auth, Federation: federation, General: general, Websocket: websocket, MaxTrackedIPs: 100_000}
}

// tierLimiters holds the short-term and long-term *rate.Limiter per key
// within one (category, level) bucket.
type tierLimiters struct {
	mu     sync.Mutex
	cfg    TierConfig
	short  map[AddressKey]*rate.Limiter
	long   map[AddressKey]*rate.Limiter
}

func newTierLimiters(cfg TierConfig) *tierLimiters {
	return &tierLimiters{cfg: cfg, short: make(map[AddressKey]*rate.Limiter), long: make(map[AddressKey]*rate.Limiter)}
}

func (t *tierLimiters) check(key AddressKey) (ok bool, retryAfter time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	short, ok := t.short[key]
	if !ok {
		short = rate.NewLimiter(rate.Limit(t.cfg.ShortTermRPS), t.cfg.ShortTermBurst)
		t.short[key] = short
	}
	now := time.Now()
	r := short.ReserveN(now, 1)
	if !r.OK() || r.DelayFrom(now) > 0 {
		if r.OK() {
			r.CancelAt(now)
		}
		return false, r.DelayFrom(now)
	}

	long, ok := t.long[key]
	if !ok {
		longRPS := t.cfg.LongTermRPH / 3600.0
		long = rate.NewLimiter(rate.Limit(longRPS), t.cfg.LongTermBurst)
		t.long[key] = long
	}
	r2 := long.ReserveN(now, 1)
	if !r2.OK() || r2.DelayFrom(now) > 0 {
		if r2.OK() {
			r2.CancelAt(now)
		}
		return false, r2.DelayFrom(now)
	}
	return true, 0
}

type categoryLimiters struct {
	ipv4Individual *tierLimiters
	ipv4Network    *tierLimiters
	ipv6Subnet     *tierLimiters
	ipv6Provider   *tierLimiters
}

func newCategoryLimiters(cfg CategoryConfig) *categoryLimiters {
	return &categoryLimiters{
		ipv4Individual: newTierLimiters(cfg.IPv4Individual),
		ipv4Network:    newTierLimiters(cfg.IPv4Network),
		ipv6Subnet:     newTierLimiters(cfg.IPv6Subnet),
		ipv6Provider:   newTierLimiters(cfg.IPv6Provider),
	}
}

func (c *categoryLimiters) limiterFor(key AddressKey) *tierLimiters {
	switch key.Level {
	case LevelIPv4Individual:
		return c.ipv4Individual
	case LevelIPv4Network:
		return c.ipv4Network
	case LevelIPv6Subnet:
		return c.ipv6Subnet
	default:
		return c.ipv6Provider
	}
}

// PenaltyReason classifies why an address was penalized; each reason
// carries its own ban threshold and duration.
type PenaltyReason string

const (
	ReasonAuthFailure        PenaltyReason = "auth_failure"
	ReasonConnSignatureFail  PenaltyReason = "conn_signature_failure"
	ReasonConnDuplicatePend  PenaltyReason = "conn_duplicate_pending"
	ReasonValidationFailure  PenaltyReason = "validation_failure"
	ReasonFederationAbuse    PenaltyReason = "federation_abuse"
)

// FailuresToBan returns how many accumulated penalty points trigger an
// automatic ban for this reason.
func (r PenaltyReason) FailuresToBan() uint32 {
	switch r {
	case ReasonAuthFailure:
		return 10
	case ReasonFederationAbuse:
		return 5
	default:
		return 8
	}
}

// BanDuration returns how long an auto-ban for this reason lasts.
func (r PenaltyReason) BanDuration() time.Duration {
	switch r {
	case ReasonFederationAbuse:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// BanEntry records an active ban.
type BanEntry struct {
	Key       AddressKey
	Reason    PenaltyReason
	CreatedAt time.Time
	ExpiresAt time.Time
}

func (b BanEntry) Expired() bool { return time.Now().After(b.ExpiresAt) }

func (b BanEntry) Remaining() time.Duration {
	d := time.Until(b.ExpiresAt)
	if d < 0 {
		return 0
	}
	return d
}

type penaltyEntry struct {
	count       uint32
	lastPenalty time.Time
	reason      PenaltyReason
}

// Manager is the process-wide rate limiter + ban list, addressable by
// client IP and endpoint category (spec §4.D).
type Manager struct {
	categories map[Category]*categoryLimiters

	mu        sync.Mutex
	bans      *lru.Cache[AddressKey, BanEntry]
	penalties *lru.Cache[AddressKey, *penaltyEntry]

	Pow *PowCounterStore

	totalLimited uint64
	totalBans    uint64
}

func New(cfg Config) (*Manager, error) {
	banCap := cfg.MaxTrackedIPs / 10
	if banCap <= 0 {
		banCap = 10_000
	}
	penaltyCap := cfg.MaxTrackedIPs / 5
	if penaltyCap <= 0 {
		penaltyCap = 20_000
	}
	bans, err := lru.New[AddressKey, BanEntry](banCap)
	if err != nil {
		return nil, clerr.Wrap(clerr.Internal, "allocate ban cache", err)
	}
	penalties, err := lru.New[AddressKey, *penaltyEntry](penaltyCap)
	if err != nil {
		return nil, clerr.Wrap(clerr.Internal, "allocate penalty cache", err)
	}

	return &Manager{
		categories: map[Category]*categoryLimiters{
			CategoryAuth:       newCategoryLimiters(cfg.Auth),
			CategoryFederation: newCategoryLimiters(cfg.Federation),
			CategoryGeneral:    newCategoryLimiters(cfg.General),
			CategoryWebsocket:  newCategoryLimiters(cfg.Websocket),
		},
		bans:      bans,
		penalties: penalties,
		Pow:       NewPowCounterStore(DefaultPowConfig()),
	}, nil
}

// Check fails fast on the ban list, then on the first rejecting limiter
// among the address's applicable levels, per spec §4.D.
func (m *Manager) Check(addr net.IP, category Category) (retryAfter time.Duration, err error) {
	if ban, ok := m.checkBan(addr); ok {
		return ban.Remaining(), clerr.New(clerr.PermissionDenied, "address is banned")
	}

	cat, ok := m.categories[category]
	if !ok {
		return 0, clerr.New(clerr.ValidationError, "unknown rate limit category")
	}

	for _, key := range ExtractAll(addr) {
		limiter := cat.limiterFor(key)
		if ok, wait := limiter.check(key); !ok {
			m.mu.Lock()
			m.totalLimited++
			m.mu.Unlock()
			return wait, clerr.New(clerr.ValidationError, "rate limit exceeded")
		}
	}
	return 0, nil
}

func (m *Manager) checkBan(addr net.IP) (BanEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range ExtractAll(addr) {
		if ban, ok := m.bans.Get(key); ok {
			if ban.Expired() {
				m.bans.Remove(key)
				continue
			}
			return ban, true
		}
	}
	return BanEntry{}, false
}

// Penalize increments the individual-level penalty counter and
// auto-bans once it reaches the reason's threshold.
func (m *Manager) Penalize(addr net.IP, reason PenaltyReason, amount uint32) {
	key := IndividualKey(addr)

	m.mu.Lock()
	entry, ok := m.penalties.Get(key)
	if !ok {
		entry = &penaltyEntry{}
		m.penalties.Add(key, entry)
	}
	entry.count += amount
	entry.lastPenalty = time.Now()
	entry.reason = reason
	shouldBan := entry.count >= reason.FailuresToBan()
	m.mu.Unlock()

	if shouldBan {
		m.Ban(addr, reason.BanDuration(), reason)
	}
}

// Grant reduces the individual-level penalty counter, e.g. after a
// successful action from a previously-suspicious address.
func (m *Manager) Grant(addr net.IP, amount uint32) {
	key := IndividualKey(addr)
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.penalties.Get(key); ok {
		if amount >= entry.count {
			m.penalties.Remove(key)
		} else {
			entry.count -= amount
		}
	}
}

// Ban bans every applicable AddressKey level for addr.
func (m *Manager) Ban(addr net.IP, duration time.Duration, reason PenaltyReason) {
	now := time.Now()
	m.mu.Lock()
	for _, key := range ExtractAll(addr) {
		m.bans.Add(key, BanEntry{Key: key, Reason: reason, CreatedAt: now, ExpiresAt: now.Add(duration)})
	}
	m.totalBans++
	m.mu.Unlock()
}

// Unban removes every level's ban entry for addr.
func (m *Manager) Unban(addr net.IP) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range ExtractAll(addr) {
		m.bans.Remove(key)
	}
}

// Reset clears bans, penalties, and PoW counters for addr.
func (m *Manager) Reset(addr net.IP) {
	m.mu.Lock()
	for _, key := range ExtractAll(addr) {
		m.bans.Remove(key)
		m.penalties.Remove(key)
	}
	m.mu.Unlock()
	m.Pow.Decrement(addr, ^uint32(0))
}

func (m *Manager) IsBanned(addr net.IP) bool {
	_, ok := m.checkBan(addr)
	return ok
}

// Stats is a diagnostic snapshot.
type Stats struct {
	ActiveBans           int
	TotalRequestsLimited uint64
	TotalBansIssued      uint64
	PowIndividualEntries int
	PowNetworkEntries    int
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		ActiveBans:           m.bans.Len(),
		TotalRequestsLimited: m.totalLimited,
		TotalBansIssued:      m.totalBans,
		PowIndividualEntries: m.Pow.IndividualCount(),
		PowNetworkEntries:    m.Pow.NetworkCount(),
	}
}
