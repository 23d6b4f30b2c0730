package manifest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-gateway/pkg/contracts"
	"github.com/Mindburn-Labs/helm-gateway/pkg/database"
)

func TestSQLBackend_PutChecksExistenceInTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT execution_id, document FROM execution_manifests").
		WillReturnRows(sqlmock.NewRows([]string{"execution_id", "document"}))
	s, err := Open(context.Background(), NewSQLBackend(db), WithClock(stepClock()))
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").WithArgs("exec-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO execution_manifests").
		WithArgs(int64(1), "exec-1", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	_, loc, err := s.Save(context.Background(), contracts.ExecutionManifest{ExecutionID: "exec-1"})
	require.NoError(t, err)
	assert.Equal(t, "execution_manifests/1", loc)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT COUNT").WithArgs("exec-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	_, _, err = s.Save(context.Background(), contracts.ExecutionManifest{ExecutionID: "exec-1"})
	assert.True(t, errors.Is(err, ErrExists))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLBackend_SQLiteChain(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(ctx, database.KindSQLite, filepath.Join(t.TempDir(), "manifests.db"))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	backend := NewSQLBackend(db)
	require.NoError(t, backend.Init(ctx))
	s, err := Open(ctx, backend, WithClock(stepClock()))
	require.NoError(t, err)

	ms := saveIDs(t, s, "e1", "e2", "e3")

	got, err := s.Get(ctx, "e3")
	require.NoError(t, err)
	assert.Equal(t, ms[2].ManifestHash, got.ManifestHash)

	chain, err := s.GetChain(ctx, "e1", "e2")
	require.NoError(t, err)
	assert.Equal(t, []string{"e1", "e2"}, ids(chain))

	res, err := s.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	_, err = s.Get(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}
