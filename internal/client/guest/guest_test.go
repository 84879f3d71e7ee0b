package guest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/creditkeeper/internal/client/cache"
	"github.com/dmitrijs2005/creditkeeper/internal/client/ledger"
	"github.com/dmitrijs2005/creditkeeper/internal/client/models"
	"github.com/dmitrijs2005/creditkeeper/internal/client/remote"
	"github.com/dmitrijs2005/creditkeeper/internal/client/remote/remotefake"
	"github.com/dmitrijs2005/creditkeeper/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store  *cache.MemoryStore
	fake   *remotefake.Fake
	ledger *ledger.Ledger
	guests *Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := cache.NewMemoryStore()
	fake := remotefake.New()
	fake.SeedProfile(remote.Profile{UserID: "u-1"})
	l := ledger.New(store, fake, logging.Nop(), time.Second)
	return &fixture{store: store, fake: fake, ledger: l, guests: NewManager(store, l, logging.Nop())}
}

func TestCreateGuest_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := f.guests.CreateGuest(ctx)
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id, "only one guest is ever created")
	}
	ok, err := f.guests.IsGuest(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMigrate_MovesCreditsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gid, err := f.guests.CreateGuest(ctx)
	require.NoError(t, err)
	_, err = f.ledger.ApplyGrant(ctx, models.Guest(gid), models.Grant{TransactionID: "tx-1", CreditDelta: 10, NewMax: 10, Mode: models.GrantPack})
	require.NoError(t, err)
	_, err = f.guests.SaveArtifact(ctx, "poem.txt", []byte("roses"))
	require.NoError(t, err)

	res, err := f.guests.Migrate(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, models.MigrationCompleted, res.Status)
	assert.Equal(t, int64(10), res.Credits)
	assert.Equal(t, 1, res.Artifacts)

	p, _ := f.fake.Profile("u-1")
	assert.Equal(t, int64(10), p.CreditsCurrent)
	assert.Len(t, f.fake.Artifacts("u-1"), 1)

	again, err := f.guests.Migrate(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, models.MigrationNothing, again.Status)
	p, _ = f.fake.Profile("u-1")
	assert.Equal(t, int64(10), p.CreditsCurrent, "repeated migrate is a no-op")

	ok, err := f.guests.IsGuest(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	to, found, err := f.guests.MigratedTo(ctx, gid)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "u-1", to)

	_, present, _ := f.store.Get(ctx, cache.GuestLedgerKey(gid))
	assert.False(t, present, "guest ledger is cleared after migration")
}

func TestMigrate_FailedImportKeepsGuestForRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gid, err := f.guests.CreateGuest(ctx)
	require.NoError(t, err)
	_, err = f.ledger.ApplyGrant(ctx, models.Guest(gid), models.Grant{TransactionID: "tx-1", CreditDelta: 10, Mode: models.GrantPack})
	require.NoError(t, err)

	f.fake.BeforeGrant(func(string, models.Grant) error {
		return fmt.Errorf("%w: offline", remote.ErrTransient)
	})
	_, err = f.guests.Migrate(ctx, "u-1")
	require.Error(t, err)

	id, ok, err := f.guests.Current(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "guest marker stays intact")
	assert.Equal(t, gid, id.ID)

	var rec Record
	_, err = cache.GetJSON(ctx, f.store, cache.KeyGuestIdentity, &rec)
	require.NoError(t, err)
	assert.Equal(t, StateMigrating, rec.State)
	assert.Equal(t, "u-1", rec.MigratedTo)

	f.fake.BeforeGrant(nil)
	res, err := f.guests.Migrate(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, models.MigrationCompleted, res.Status)
	p, _ := f.fake.Profile("u-1")
	assert.Equal(t, int64(10), p.CreditsCurrent)
}

func TestMigrate_ConflictingTargetIsRefused(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.SeedProfile(remote.Profile{UserID: "u-2"})

	gid, err := f.guests.CreateGuest(ctx)
	require.NoError(t, err)
	require.NoError(t, cache.SetJSON(ctx, f.store, cache.KeyGuestIdentity, Record{GuestID: gid, State: StateMigrating, MigratedTo: "u-1"}))

	_, err = f.guests.Migrate(ctx, "u-2")
	assert.True(t, errors.Is(err, ErrMigrationConflict))
}

func TestMigrate_ResumesAfterCrashBeforeCleanup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gid, err := f.guests.CreateGuest(ctx)
	require.NoError(t, err)
	require.NoError(t, cache.SetJSON(ctx, f.store, cache.KeyGuestIdentity, Record{GuestID: gid, State: StateConsumed, MigratedTo: "u-1"}))
	require.NoError(t, f.store.Set(ctx, cache.GuestLedgerKey(gid), `{"record":{"creditsCurrent":10}}`))

	res, err := f.guests.Migrate(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, models.MigrationAlready, res.Status)
	assert.Equal(t, 0, f.fake.Calls("ApplyGrant"), "consumed guest is not imported twice")
	_, present, _ := f.store.Get(ctx, cache.GuestLedgerKey(gid))
	assert.False(t, present)
}

func TestMigrate_NoGuestIsNothingToMigrate(t *testing.T) {
	f := newFixture(t)
	res, err := f.guests.Migrate(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, models.MigrationNothing, res.Status)
}

func TestSaveArtifact_ContentAddressed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.guests.SaveArtifact(ctx, "a", []byte("x"))
	assert.ErrorIs(t, err, ErrNoGuest)

	_, err = f.guests.CreateGuest(ctx)
	require.NoError(t, err)
	a1, err := f.guests.SaveArtifact(ctx, "a", []byte("same"))
	require.NoError(t, err)
	a2, err := f.guests.SaveArtifact(ctx, "b", []byte("same"))
	require.NoError(t, err)
	assert.Equal(t, a1.ContentHash, a2.ContentHash)

	list, err := f.guests.Artifacts(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDiscard_RemovesGuestData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gid, err := f.guests.CreateGuest(ctx)
	require.NoError(t, err)
	_, err = f.ledger.ApplyGrant(ctx, models.Guest(gid), models.Grant{TransactionID: "t", CreditDelta: 1, Mode: models.GrantPack})
	require.NoError(t, err)

	require.NoError(t, f.guests.Discard(ctx))
	assert.Equal(t, 0, f.store.Len())
}
