package services

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/dmitrijs2005/creditkeeper/internal/common"
	"github.com/dmitrijs2005/creditkeeper/internal/server/auth"
	"github.com/dmitrijs2005/creditkeeper/internal/server/config"
	"github.com/dmitrijs2005/creditkeeper/internal/server/models"
	"github.com/dmitrijs2005/creditkeeper/internal/server/repositories/repomanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUserService(t *testing.T, db *sql.DB, rm repomanager.RepositoryManager, objects ObjectRemover) *UserService {
	t.Helper()
	cfg := &config.Config{
		SecretKey:                    "k",
		AccessTokenValidityDuration:  time.Hour,
		RefreshTokenValidityDuration: 2 * time.Hour,
	}
	return NewUserService(db, rm, objects, cfg)
}

type fakeObjects struct {
	removed []string
	err     error
}

func (f *fakeObjects) RemoveObjects(ctx context.Context, keys []string) error {
	if f.err != nil {
		return f.err
	}
	f.removed = append(f.removed, keys...)
	return nil
}

func TestRefreshToken_Success(t *testing.T) {
	db, mock := newSQLMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	rm := newFakeRepoManager()
	rm.r.findOut = &models.RefreshToken{UserID: "u1", Expires: time.Now().Add(10 * time.Minute)}
	s := newUserService(t, db, rm, nil)

	pair, err := s.RefreshToken(context.Background(), "refresh-xyz")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, []string{"refresh-xyz"}, rm.r.deleted, "old token rotated out")
	assert.Equal(t, []string{pair.RefreshToken}, rm.r.created)

	userID, err := auth.GetUserIDFromToken(pair.AccessToken, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshToken_ExpiredOrUnknown(t *testing.T) {
	db, _ := newSQLMockDB(t)

	rm := newFakeRepoManager()
	rm.r.findOut = &models.RefreshToken{UserID: "u1", Expires: time.Now().Add(-1 * time.Minute)}
	s := newUserService(t, db, rm, nil)

	_, err := s.RefreshToken(context.Background(), "r")
	assert.ErrorIs(t, err, common.ErrRefreshTokenExpired)

	rm.r.findOut = nil
	_, err = s.RefreshToken(context.Background(), "unknown")
	assert.ErrorIs(t, err, common.ErrRefreshTokenExpired)
}

func TestRefreshToken_FindErr(t *testing.T) {
	db, _ := newSQLMockDB(t)

	rm := newFakeRepoManager()
	rm.r.findErr = errBoom{}
	s := newUserService(t, db, rm, nil)

	_, err := s.RefreshToken(context.Background(), "r")
	if err == nil || !regexp.MustCompile(`error searching refresh token: .*boom`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped find error, got %v", err)
	}
}

func TestRefreshToken_DeleteErrRollsBack(t *testing.T) {
	db, mock := newSQLMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	rm := newFakeRepoManager()
	rm.r.findOut = &models.RefreshToken{UserID: "u1", Expires: time.Now().Add(10 * time.Minute)}
	rm.r.delErr = errBoom{}
	s := newUserService(t, db, rm, nil)

	_, err := s.RefreshToken(context.Background(), "r")
	if err == nil || !regexp.MustCompile(`error deleting refresh token: .*boom`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped delete error, got %v", err)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRefreshToken_CreateErrIsInternal(t *testing.T) {
	db, mock := newSQLMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	rm := newFakeRepoManager()
	rm.r.findOut = &models.RefreshToken{UserID: "u1", Expires: time.Now().Add(10 * time.Minute)}
	rm.r.createErr = errBoom{}
	s := newUserService(t, db, rm, nil)

	_, err := s.RefreshToken(context.Background(), "r")
	assert.ErrorIs(t, err, common.ErrorInternal)
}

func TestRegister_CreatesUserAndEmptyProfile(t *testing.T) {
	db, mock := newSQLMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	rm := newFakeRepoManager()
	s := newUserService(t, db, rm, nil)

	u, err := s.Register(context.Background(), "alice", []byte("s"), []byte("v"))
	require.NoError(t, err)
	assert.Equal(t, "u-alice", u.ID)

	p, err := rm.p.Get(context.Background(), u.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), p.CreditsCurrent)
	assert.Nil(t, p.OnboardingCompleted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRegister_Errors(t *testing.T) {
	t.Run("taken username", func(t *testing.T) {
		db, mock := newSQLMockDB(t)
		mock.ExpectBegin()
		mock.ExpectCommit()
		mock.ExpectBegin()
		mock.ExpectRollback()

		s := newUserService(t, db, newFakeRepoManager(), nil)
		_, err := s.Register(context.Background(), "bob", []byte("s"), []byte("v"))
		require.NoError(t, err)

		_, err = s.Register(context.Background(), "bob", []byte("s"), []byte("v"))
		assert.ErrorIs(t, err, common.ErrorAlreadyExists)
	})

	t.Run("profile insert fails", func(t *testing.T) {
		db, mock := newSQLMockDB(t)
		mock.ExpectBegin()
		mock.ExpectRollback()

		rm := newFakeRepoManager()
		rm.p.createErr = errBoom{}
		s := newUserService(t, db, rm, nil)

		_, err := s.Register(context.Background(), "carol", []byte("s"), []byte("v"))
		if err == nil || !regexp.MustCompile(`error creating user: .*boom`).MatchString(err.Error()) {
			t.Fatalf("expected wrapped error, got %v", err)
		}
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing fields", func(t *testing.T) {
		db, _ := newSQLMockDB(t)
		s := newUserService(t, db, newFakeRepoManager(), nil)

		_, err := s.Register(context.Background(), "", []byte("s"), []byte("v"))
		assert.ErrorIs(t, err, common.ErrorInvalidArgument)
		_, err = s.Register(context.Background(), "dave", nil, []byte("v"))
		assert.ErrorIs(t, err, common.ErrorInvalidArgument)
	})
}

func TestGetSalt_Found_NotFound_Internal(t *testing.T) {
	db, _ := newSQLMockDB(t)

	rm := newFakeRepoManager()
	rm.u.byID["u-alice"] = &models.User{ID: "u-alice", UserName: "alice", Salt: []byte("SALT")}
	s := newUserService(t, db, rm, nil)

	salt, err := s.GetSalt(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "SALT", string(salt))

	salt, err = s.GetSalt(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Len(t, salt, saltSize, "unknown users get a random salt")

	rm.u.getErr = errBoom{}
	_, err = s.GetSalt(context.Background(), "alice")
	assert.ErrorIs(t, err, common.ErrorInternal)
}

func TestLogin_Flows(t *testing.T) {
	db, _ := newSQLMockDB(t)

	rm := newFakeRepoManager()
	rm.u.byID["u1"] = &models.User{ID: "u1", UserName: "u", Verifier: []byte("right")}
	s := newUserService(t, db, rm, nil)

	_, err := s.Login(context.Background(), "ghost", []byte("x"))
	assert.ErrorIs(t, err, common.ErrorUnauthorized, "unknown user")

	_, err = s.Login(context.Background(), "u", []byte("wrong"))
	assert.ErrorIs(t, err, common.ErrorUnauthorized, "wrong verifier")

	pair, err := s.Login(context.Background(), "u", []byte("right"))
	require.NoError(t, err)
	assert.Equal(t, "u1", pair.UserID)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)

	rm.u.getErr = errBoom{}
	_, err = s.Login(context.Background(), "u", []byte("right"))
	assert.ErrorIs(t, err, common.ErrorInternal)
}

func TestLogout_RevokesRefreshToken(t *testing.T) {
	db, _ := newSQLMockDB(t)
	rm := newFakeRepoManager()
	s := newUserService(t, db, rm, nil)

	require.NoError(t, s.Logout(context.Background(), "r-1"))
	assert.Equal(t, []string{"r-1"}, rm.r.deleted)

	rm.r.delErr = errBoom{}
	assert.Error(t, s.Logout(context.Background(), "r-2"))
}

func TestDeleteAccount_RemovesUserAndContent(t *testing.T) {
	db, _ := newSQLMockDB(t)
	rm := newFakeRepoManager()
	rm.u.byID["u1"] = &models.User{ID: "u1", UserName: "u"}
	rm.a.rows["u1|h"] = &models.Artifact{UserID: "u1", ContentHash: "h", ObjectKey: StorageKey("u1", "h")}
	objects := &fakeObjects{}
	s := newUserService(t, db, rm, objects)

	orphaned, err := s.DeleteAccount(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, orphaned)
	assert.Equal(t, []string{StorageKey("u1", "h")}, objects.removed)

	_, err = s.User(context.Background(), "u1")
	assert.ErrorIs(t, err, common.ErrorNotFound)

	_, err = s.DeleteAccount(context.Background(), "u1")
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestDeleteAccount_StorageFailureReportsOrphans(t *testing.T) {
	db, _ := newSQLMockDB(t)
	rm := newFakeRepoManager()
	rm.u.byID["u1"] = &models.User{ID: "u1", UserName: "u"}
	rm.a.rows["u1|h"] = &models.Artifact{UserID: "u1", ContentHash: "h", ObjectKey: "k"}
	s := newUserService(t, db, rm, &fakeObjects{err: errors.New("s3 down")})

	orphaned, err := s.DeleteAccount(context.Background(), "u1")
	require.NoError(t, err, "account is gone even if content is not")
	assert.Equal(t, []string{"k"}, orphaned)
}

func TestCleanupExpiredTokens(t *testing.T) {
	db, _ := newSQLMockDB(t)
	s := newUserService(t, db, newFakeRepoManager(), nil)

	n, err := s.CleanupExpiredTokens(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
