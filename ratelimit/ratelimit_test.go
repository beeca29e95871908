package ratelimit

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPowRequirementZeroInitially(t *testing.T) {
	store := NewPowCounterStore(DefaultPowConfig())
	ip := net.ParseIP("192.168.1.100")
	assert.Equal(t, uint32(0), store.GetRequirement(ip))
	assert.NoError(t, store.Verify(ip, "some_token"))
}

func TestPowIncrementRaisesRequirement(t *testing.T) {
	store := NewPowCounterStore(DefaultPowConfig())
	ip := net.ParseIP("192.168.1.100")

	store.Increment(ip, PowReasonConnSignatureFailure)
	assert.Equal(t, uint32(1), store.GetRequirement(ip))

	store.Increment(ip, PowReasonConnDuplicatePending)
	assert.Equal(t, uint32(2), store.GetRequirement(ip))
}

func TestPowVerifySuffixMatching(t *testing.T) {
	store := NewPowCounterStore(DefaultPowConfig())
	ip := net.ParseIP("192.168.1.100")

	for i := 0; i < 3; i++ {
		store.Increment(ip, PowReasonConnSignatureFailure)
	}
	require.Equal(t, uint32(3), store.GetRequirement(ip))

	assert.Error(t, store.Verify(ip, "some_token"))
	assert.Error(t, store.Verify(ip, "some_tokenAA"))
	assert.NoError(t, store.Verify(ip, "some_tokenAAA"))
	assert.NoError(t, store.Verify(ip, "some_tokenAAAA"))
}

func TestPowNetworkAffectingReasonPropagates(t *testing.T) {
	store := NewPowCounterStore(DefaultPowConfig())
	ip := net.ParseIP("192.168.1.100")

	store.Increment(ip, PowReasonConnSignatureFailure) // affects network
	assert.Equal(t, 1, store.NetworkCount())

	other := net.ParseIP("192.168.1.200") // same /24 network
	assert.Equal(t, uint32(1), store.GetRequirement(other))
}

func TestPowIndividualOnlyReasonDoesNotPropagate(t *testing.T) {
	store := NewPowCounterStore(DefaultPowConfig())
	ip := net.ParseIP("10.0.0.5")

	store.Increment(ip, PowReasonValidationFailure) // individual-only
	assert.Equal(t, 0, store.NetworkCount())

	other := net.ParseIP("10.0.0.200")
	assert.Equal(t, uint32(0), store.GetRequirement(other))
}

func TestPowCounterCappedAtMax(t *testing.T) {
	cfg := DefaultPowConfig()
	cfg.MaxCounter = 3
	store := NewPowCounterStore(cfg)
	ip := net.ParseIP("10.0.0.5")

	for i := 0; i < 10; i++ {
		store.Increment(ip, PowReasonValidationFailure)
	}
	assert.Equal(t, uint32(3), store.GetRequirement(ip))
}

func TestPowDecrement(t *testing.T) {
	store := NewPowCounterStore(DefaultPowConfig())
	ip := net.ParseIP("10.0.0.5")

	store.Increment(ip, PowReasonValidationFailure)
	store.Increment(ip, PowReasonValidationFailure)
	require.Equal(t, uint32(2), store.GetRequirement(ip))

	store.Decrement(ip, 1)
	assert.Equal(t, uint32(1), store.GetRequirement(ip))

	store.Decrement(ip, 10)
	assert.Equal(t, uint32(0), store.GetRequirement(ip))
}

func TestManagerAutoBanOnPenaltyThreshold(t *testing.T) {
	m, err := New(DefaultConfig())
	require.NoError(t, err)
	ip := net.ParseIP("203.0.113.7")

	require.False(t, m.IsBanned(ip))
	for i := uint32(0); i < ReasonFederationAbuse.FailuresToBan(); i++ {
		m.Penalize(ip, ReasonFederationAbuse, 1)
	}
	assert.True(t, m.IsBanned(ip))
}

func TestManagerBanAppliesAcrossAllLevels(t *testing.T) {
	m, err := New(DefaultConfig())
	require.NoError(t, err)
	ip := net.ParseIP("203.0.113.7")
	sameNetwork := net.ParseIP("203.0.113.200")

	m.Ban(ip, time.Hour, ReasonAuthFailure)
	assert.True(t, m.IsBanned(ip))
	assert.True(t, m.IsBanned(sameNetwork))
}

func TestManagerUnban(t *testing.T) {
	m, err := New(DefaultConfig())
	require.NoError(t, err)
	ip := net.ParseIP("203.0.113.7")

	m.Ban(ip, time.Hour, ReasonAuthFailure)
	require.True(t, m.IsBanned(ip))
	m.Unban(ip)
	assert.False(t, m.IsBanned(ip))
}

func TestManagerCheckUnknownCategory(t *testing.T) {
	m, err := New(DefaultConfig())
	require.NoError(t, err)
	_, err = m.Check(net.ParseIP("1.2.3.4"), "nonexistent")
	assert.Error(t, err)
}

func TestManagerCheckAllowsWithinBurst(t *testing.T) {
	m, err := New(DefaultConfig())
	require.NoError(t, err)
	ip := net.ParseIP("198.51.100.9")
	for i := 0; i < 3; i++ {
		_, err := m.Check(ip, CategoryGeneral)
		assert.NoError(t, err)
	}
}

func TestAddressKeyHierarchyIPv4(t *testing.T) {
	ip := net.ParseIP("192.168.1.100")
	keys := ExtractAll(ip)
	require.Len(t, keys, 2)
	assert.Equal(t, LevelIPv4Individual, keys[0].Level)
	assert.Equal(t, LevelIPv4Network, keys[1].Level)
}

func TestAddressKeyHierarchyIPv6(t *testing.T) {
	ip := net.ParseIP("2001:db8::1")
	keys := ExtractAll(ip)
	require.Len(t, keys, 2)
	assert.Equal(t, LevelIPv6Subnet, keys[0].Level)
	assert.Equal(t, LevelIPv6Provider, keys[1].Level)
}
