// Package guest manages the anonymous guest identity and its one-time
// migration into a registered account.
package guest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/creditkeeper/internal/client/cache"
	"github.com/dmitrijs2005/creditkeeper/internal/client/models"
	"github.com/dmitrijs2005/creditkeeper/internal/cryptox"
	"github.com/dmitrijs2005/creditkeeper/internal/logging"
	"github.com/google/uuid"
)

var (
	ErrNoGuest = errors.New("no guest identity")
	// ErrMigrationConflict is returned when a guest that is mid-migration
	// is asked to migrate into a different account.
	ErrMigrationConflict = errors.New("guest is migrating into another account")
)

// State of the guest record. It is persisted so that a crash in the
// middle of a migration can be resumed.
type State string

const (
	StateActive    State = "active"
	StateMigrating State = "migrating"
	StateConsumed  State = "consumed"
)

// Record is stored under cache.KeyGuestIdentity.
type Record struct {
	GuestID    string    `json:"guestId"`
	CreatedAt  time.Time `json:"createdAt"`
	State      State     `json:"state"`
	MigratedTo string    `json:"migratedTo,omitempty"`
}

// Ledger is the part of the entitlement ledger migration needs.
type Ledger interface {
	// GuestEntitlement returns the guest's canonical balance and the ids
	// of transactions already granted to it.
	GuestEntitlement(ctx context.Context, guestID string) (models.EntitlementRecord, []string, error)
	// ImportGuestState writes the guest's state under userID. Calling it
	// twice with the same state must not change anything the second time.
	ImportGuestState(ctx context.Context, userID string, s models.GuestState) error
}

// Manager owns the guest record and guest-scoped artifacts.
type Manager struct {
	store  cache.Store
	ledger Ledger
	logger logging.Logger
	now    func() time.Time
	newID  func() string

	mu sync.Mutex
}

func NewManager(store cache.Store, ledger Ledger, l logging.Logger) *Manager {
	if l == nil {
		l = logging.Nop()
	}
	return &Manager{
		store:  store,
		ledger: ledger,
		logger: l.With("module", "guest"),
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

func (m *Manager) load(ctx context.Context) (*Record, error) {
	var r Record
	ok, err := cache.GetJSON(ctx, m.store, cache.KeyGuestIdentity, &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

// CreateGuest returns the existing guest id, or creates one. A consumed
// guest is replaced by a fresh one.
func (m *Manager) CreateGuest(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.load(ctx)
	if err != nil {
		return "", err
	}
	if r != nil && r.State != StateConsumed {
		return r.GuestID, nil
	}

	r = &Record{GuestID: m.newID(), CreatedAt: m.now().UTC(), State: StateActive}
	if err := cache.SetJSON(ctx, m.store, cache.KeyGuestIdentity, r); err != nil {
		return "", err
	}
	m.logger.Info(ctx, "guest created", "guest_id", r.GuestID)
	return r.GuestID, nil
}

// Current returns the live guest identity, if any. A guest that is being
// migrated is still live until the migration finishes.
func (m *Manager) Current(ctx context.Context) (models.Identity, bool, error) {
	r, err := m.load(ctx)
	if err != nil || r == nil || r.State == StateConsumed {
		return models.Identity{}, false, err
	}
	return models.Guest(r.GuestID), true, nil
}

func (m *Manager) IsGuest(ctx context.Context) (bool, error) {
	_, ok, err := m.Current(ctx)
	return ok, err
}

// MigratedTo returns the account a consumed guest was merged into.
func (m *Manager) MigratedTo(ctx context.Context, guestID string) (string, bool, error) {
	v, ok, err := m.store.Get(ctx, cache.GuestTombstoneKey(guestID))
	if err != nil || !ok || v == "" {
		return "", false, err
	}
	return v, true, nil
}

// SaveArtifact stores content for the current guest. Saving the same bytes
// twice keeps one copy.
func (m *Manager) SaveArtifact(ctx context.Context, name string, content []byte) (models.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.load(ctx)
	if err != nil {
		return models.Artifact{}, err
	}
	if r == nil || r.State == StateConsumed {
		return models.Artifact{}, ErrNoGuest
	}

	a := models.Artifact{
		Name:        name,
		ContentHash: cryptox.ContentHash(content),
		Size:        int64(len(content)),
		Content:     content,
		CreatedAt:   m.now().UTC(),
	}

	list, err := m.artifacts(ctx, r.GuestID)
	if err != nil {
		return models.Artifact{}, err
	}
	for _, existing := range list {
		if existing.ContentHash == a.ContentHash {
			return existing, nil
		}
	}
	list = append(list, a)
	if err := cache.SetJSON(ctx, m.store, cache.GuestArtifactsKey(r.GuestID), list); err != nil {
		return models.Artifact{}, err
	}
	return a, nil
}

// Artifacts lists the current guest's artifacts.
func (m *Manager) Artifacts(ctx context.Context) ([]models.Artifact, error) {
	id, ok, err := m.Current(ctx)
	if err != nil || !ok {
		return nil, err
	}
	return m.artifacts(ctx, id.ID)
}

func (m *Manager) artifacts(ctx context.Context, guestID string) ([]models.Artifact, error) {
	var list []models.Artifact
	if _, err := cache.GetJSON(ctx, m.store, cache.GuestArtifactsKey(guestID), &list); err != nil {
		return nil, err
	}
	return list, nil
}

func guestKeys(guestID string) []string {
	return []string{
		cache.KeyGuestIdentity,
		cache.GuestLedgerKey(guestID),
		cache.GuestArtifactsKey(guestID),
	}
}

// Migrate moves the guest's credits and artifacts into userID exactly
// once. The steps are: mark the record migrating, import into the
// account, write the tombstone and mark the record consumed, and only then
// drop the guest keys. A failed import leaves the guest intact, so the
// call can simply be repeated. Once the guest is gone, Migrate reports
// MigrationNothing.
func (m *Manager) Migrate(ctx context.Context, userID string) (models.MigrationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := models.MigrationResult{UserID: userID}
	r, err := m.load(ctx)
	if err != nil {
		return res, err
	}
	if r == nil {
		res.Status = models.MigrationNothing
		return res, nil
	}
	res.GuestID = r.GuestID
	log := m.logger.With("guest_id", r.GuestID, "user_id", userID)

	switch r.State {
	case StateConsumed:
		if err := m.store.RemoveAll(ctx, guestKeys(r.GuestID)...); err != nil {
			return res, err
		}
		res.Status = models.MigrationAlready
		return res, nil
	case StateMigrating:
		if r.MigratedTo != userID {
			return res, fmt.Errorf("%w: %s", ErrMigrationConflict, r.MigratedTo)
		}
		log.Info(ctx, "resuming interrupted migration")
	default:
		r.State = StateMigrating
		r.MigratedTo = userID
		if err := cache.SetJSON(ctx, m.store, cache.KeyGuestIdentity, r); err != nil {
			return res, err
		}
	}

	rec, granted, err := m.ledger.GuestEntitlement(ctx, r.GuestID)
	if err != nil {
		return res, fmt.Errorf("read guest ledger: %w", err)
	}
	artifacts, err := m.artifacts(ctx, r.GuestID)
	if err != nil {
		return res, fmt.Errorf("read guest artifacts: %w", err)
	}

	state := models.GuestState{
		GuestID:    r.GuestID,
		Credits:    rec.CreditsCurrent,
		CreditsMax: rec.CreditsMax,
		PlanID:     rec.PlanID,
		PeriodEnd:  rec.PeriodEnd,
		Granted:    granted,
		Artifacts:  artifacts,
	}
	if err := m.ledger.ImportGuestState(ctx, userID, state); err != nil {
		log.Warn(ctx, "guest import failed, guest kept for retry", "error", err)
		return res, fmt.Errorf("import guest state: %w", err)
	}

	if err := m.store.Set(ctx, cache.GuestTombstoneKey(r.GuestID), userID); err != nil {
		return res, err
	}
	r.State = StateConsumed
	if err := cache.SetJSON(ctx, m.store, cache.KeyGuestIdentity, r); err != nil {
		return res, err
	}
	if err := m.store.RemoveAll(ctx, guestKeys(r.GuestID)...); err != nil {
		return res, err
	}

	res.Status = models.MigrationCompleted
	res.Credits = state.Credits
	res.Artifacts = len(artifacts)
	log.Info(ctx, "guest migrated", "credits", state.Credits, "artifacts", len(artifacts))
	return res, nil
}

// Discard removes the current guest and all its data. Used by full
// account deletion; plain sign-out never calls it.
func (m *Manager) Discard(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.load(ctx)
	if err != nil || r == nil {
		return err
	}
	return m.store.RemoveAll(ctx, guestKeys(r.GuestID)...)
}
