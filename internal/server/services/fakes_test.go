package services

import (
	"context"
	"database/sql"
	"slices"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/creditkeeper/internal/common"
	"github.com/dmitrijs2005/creditkeeper/internal/dbx"
	"github.com/dmitrijs2005/creditkeeper/internal/server/models"
	"github.com/dmitrijs2005/creditkeeper/internal/server/repositories/artifacts"
	"github.com/dmitrijs2005/creditkeeper/internal/server/repositories/grants"
	"github.com/dmitrijs2005/creditkeeper/internal/server/repositories/profiles"
	"github.com/dmitrijs2005/creditkeeper/internal/server/repositories/refreshtokens"
	"github.com/dmitrijs2005/creditkeeper/internal/server/repositories/users"
)

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

func newSQLMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

// ---- users ----

type fakeUsersRepo struct {
	byID      map[string]*models.User
	createErr error
	getErr    error
	deleteErr error
}

func newFakeUsersRepo() *fakeUsersRepo {
	return &fakeUsersRepo{byID: map[string]*models.User{}}
}

func (f *fakeUsersRepo) Create(ctx context.Context, u *models.User) (*models.User, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	for _, existing := range f.byID {
		if existing.UserName == u.UserName {
			return nil, common.ErrorAlreadyExists
		}
	}
	u.ID = "u-" + u.UserName
	f.byID[u.ID] = u
	return u, nil
}

func (f *fakeUsersRepo) GetUserByLogin(ctx context.Context, userName string) (*models.User, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	for _, u := range f.byID {
		if u.UserName == userName {
			return u, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (f *fakeUsersRepo) GetByID(ctx context.Context, id string) (*models.User, error) {
	u, ok := f.byID[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return u, nil
}

func (f *fakeUsersRepo) Delete(ctx context.Context, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.byID[id]; !ok {
		return common.ErrorNotFound
	}
	delete(f.byID, id)
	return nil
}

// ---- refresh tokens ----

type fakeRefreshRepo struct {
	findOut   *models.RefreshToken
	findErr   error
	delErr    error
	createErr error

	created []string
	deleted []string
}

func (f *fakeRefreshRepo) Create(ctx context.Context, userID string, token string, validity time.Duration) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, token)
	return nil
}

func (f *fakeRefreshRepo) Find(ctx context.Context, token string) (*models.RefreshToken, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	if f.findOut == nil {
		return nil, common.ErrorNotFound
	}
	return f.findOut, nil
}

func (f *fakeRefreshRepo) Delete(ctx context.Context, token string) error {
	if f.delErr != nil {
		return f.delErr
	}
	f.deleted = append(f.deleted, token)
	return nil
}

func (f *fakeRefreshRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 2, nil
}

// ---- profiles ----

type fakeProfilesRepo struct {
	byID      map[string]*models.Profile
	createErr error
	saveErr   error
}

func newFakeProfilesRepo() *fakeProfilesRepo {
	return &fakeProfilesRepo{byID: map[string]*models.Profile{}}
}

func (f *fakeProfilesRepo) Create(ctx context.Context, userID string) error {
	if f.createErr != nil {
		return f.createErr
	}
	f.byID[userID] = &models.Profile{UserID: userID}
	return nil
}

func (f *fakeProfilesRepo) Get(ctx context.Context, userID string) (*models.Profile, error) {
	p, ok := f.byID[userID]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeProfilesRepo) GetForUpdate(ctx context.Context, userID string) (*models.Profile, error) {
	return f.Get(ctx, userID)
}

func (f *fakeProfilesRepo) Save(ctx context.Context, p *models.Profile) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	cp := *p
	f.byID[p.UserID] = &cp
	return nil
}

func (f *fakeProfilesRepo) SetOnboarding(ctx context.Context, userID string, completed bool) (*models.Profile, error) {
	p, ok := f.byID[userID]
	if !ok {
		return nil, common.ErrorNotFound
	}
	p.OnboardingCompleted = &completed
	p.Version++
	return f.Get(ctx, userID)
}

func (f *fakeProfilesRepo) Consume(ctx context.Context, userID string, amount int64) (*models.Profile, error) {
	p, ok := f.byID[userID]
	if !ok {
		return nil, common.ErrorNotFound
	}
	if p.CreditsCurrent < amount {
		return nil, common.ErrorInsufficientCredits
	}
	p.CreditsCurrent -= amount
	p.Version++
	return f.Get(ctx, userID)
}

// ---- grants ----

type fakeGrantsRepo struct {
	rows map[string]string // user|tx -> covered_by
}

func newFakeGrantsRepo() *fakeGrantsRepo {
	return &fakeGrantsRepo{rows: map[string]string{}}
}

func (f *fakeGrantsRepo) Insert(ctx context.Context, g models.Grant) (bool, error) {
	key := g.UserID + "|" + g.TransactionID
	if _, ok := f.rows[key]; ok {
		return false, nil
	}
	f.rows[key] = ""
	return true, nil
}

func (f *fakeGrantsRepo) Cover(ctx context.Context, userID, txID, coveredBy string) error {
	key := userID + "|" + txID
	if _, ok := f.rows[key]; !ok {
		f.rows[key] = coveredBy
	}
	return nil
}

// ---- artifacts ----

type fakeArtifactsRepo struct {
	rows map[string]*models.Artifact
}

func newFakeArtifactsRepo() *fakeArtifactsRepo {
	return &fakeArtifactsRepo{rows: map[string]*models.Artifact{}}
}

func (f *fakeArtifactsRepo) Create(ctx context.Context, a *models.Artifact) (bool, error) {
	key := a.UserID + "|" + a.ContentHash
	if _, ok := f.rows[key]; ok {
		return false, nil
	}
	cp := *a
	f.rows[key] = &cp
	return true, nil
}

func (f *fakeArtifactsRepo) Get(ctx context.Context, userID, contentHash string) (*models.Artifact, error) {
	a, ok := f.rows[userID+"|"+contentHash]
	if !ok {
		return nil, common.ErrorNotFound
	}
	cp := *a
	return &cp, nil
}

func (f *fakeArtifactsRepo) MarkUploaded(ctx context.Context, userID, contentHash string) error {
	a, ok := f.rows[userID+"|"+contentHash]
	if !ok {
		return common.ErrorNotFound
	}
	a.Uploaded = true
	return nil
}

func (f *fakeArtifactsRepo) ObjectKeys(ctx context.Context, userID string) ([]string, error) {
	var keys []string
	for _, a := range f.rows {
		if a.UserID == userID {
			keys = append(keys, a.ObjectKey)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

// ---- manager ----

type fakeRepoManager struct {
	u *fakeUsersRepo
	r *fakeRefreshRepo
	p *fakeProfilesRepo
	g *fakeGrantsRepo
	a *fakeArtifactsRepo
}

func newFakeRepoManager() *fakeRepoManager {
	return &fakeRepoManager{
		u: newFakeUsersRepo(),
		r: &fakeRefreshRepo{},
		p: newFakeProfilesRepo(),
		g: newFakeGrantsRepo(),
		a: newFakeArtifactsRepo(),
	}
}

func (m *fakeRepoManager) RunMigrations(context.Context, *sql.DB) error       { return nil }
func (m *fakeRepoManager) Users(db dbx.DBTX) users.Repository                 { return m.u }
func (m *fakeRepoManager) RefreshTokens(db dbx.DBTX) refreshtokens.Repository { return m.r }
func (m *fakeRepoManager) Profiles(db dbx.DBTX) profiles.Repository           { return m.p }
func (m *fakeRepoManager) Grants(db dbx.DBTX) grants.Repository               { return m.g }
func (m *fakeRepoManager) Artifacts(db dbx.DBTX) artifacts.Repository         { return m.a }
