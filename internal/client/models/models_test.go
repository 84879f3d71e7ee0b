package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentity_StringAndParse(t *testing.T) {
	tests := []struct {
		id   Identity
		want string
	}{
		{Registered("u-1"), "user:u-1"},
		{Guest("g-1"), "guest:g-1"},
		{Identity{}, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.id.String())
		if tt.want == "" {
			continue
		}
		back, ok := ParseIdentity(tt.want)
		require.True(t, ok)
		assert.Equal(t, tt.id, back)
	}

	_, ok := ParseIdentity("robot:x")
	assert.False(t, ok)
	_, ok = ParseIdentity("user:")
	assert.False(t, ok)
	assert.True(t, Guest("g").IsGuest())
	assert.False(t, Registered("u").IsGuest())
}

func TestEntitlementRecord_Apply(t *testing.T) {
	end := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		start   EntitlementRecord
		grant   Grant
		current int64
		max     int64
	}{
		{
			name:    "pack is additive",
			start:   EntitlementRecord{CreditsCurrent: 4, CreditsMax: 20},
			grant:   Grant{CreditDelta: 15, NewMax: 15, Mode: GrantPack},
			current: 19,
			max:     20,
		},
		{
			name:    "period keeps leftovers on top of the new allowance",
			start:   EntitlementRecord{CreditsCurrent: 5, CreditsMax: 50},
			grant:   Grant{CreditDelta: 100, NewMax: 100, Mode: GrantPeriod, PeriodEnd: &end},
			current: 105,
			max:     100,
		},
		{
			name:    "period never drops below the allowance",
			start:   EntitlementRecord{CreditsCurrent: -3},
			grant:   Grant{CreditDelta: 30, NewMax: 30, Mode: GrantPeriod},
			current: 30,
			max:     30,
		},
		{
			name:    "max is best tier reached, not most recent",
			start:   EntitlementRecord{CreditsCurrent: 0, CreditsMax: 100},
			grant:   Grant{CreditDelta: 10, NewMax: 10, Mode: GrantPeriod},
			current: 10,
			max:     100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.start.Apply(tt.grant)
			assert.Equal(t, tt.current, got.CreditsCurrent)
			assert.Equal(t, tt.max, got.CreditsMax)
			assert.Equal(t, tt.start.Version+1, got.Version)
		})
	}
}

func TestTxState_Transitions(t *testing.T) {
	assert.True(t, TxObserved.CanTransition(TxVerifying))
	assert.True(t, TxVerifying.CanTransition(TxGranted))
	assert.True(t, TxVerifying.CanTransition(TxFailed))
	assert.True(t, TxFailed.CanTransition(TxObserved))
	assert.True(t, TxGranted.CanTransition(TxAcknowledged))

	assert.False(t, TxGranted.CanTransition(TxVerifying))
	assert.False(t, TxAcknowledged.CanTransition(TxGranted))
	assert.False(t, TxRejected.CanTransition(TxObserved))
	assert.False(t, TxObserved.CanTransition(TxGranted))

	assert.True(t, TxAcknowledged.Terminal())
	assert.True(t, TxRejected.Terminal())
	assert.False(t, TxFailed.Terminal())
}
