package history

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pserrors "github.com/okvist/portsweep/internal/errors"
	"github.com/okvist/portsweep/internal/scanning"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	db := &DB{DB: sqlx.NewDb(mockDB, "sqlmock")}
	return NewStore(db), mock
}

// scanLoopback runs a small real scan so the stored result has the same
// shape as production results.
func scanLoopback(t *testing.T) (*scanning.Result, uint16) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	openPort := uint16(ln.Addr().(*net.TCPAddr).Port)

	engine, err := scanning.NewEngine(scanning.Config{
		BatchSize: 4,
		Timeout:   time.Second,
		Transport: scanning.TransportTCP,
	})
	require.NoError(t, err)

	result, err := engine.Run(context.Background(),
		[]net.IP{net.ParseIP("127.0.0.1")}, []uint16{openPort})
	require.NoError(t, err)
	require.Equal(t, []uint16{openPort}, result.OpenPorts(net.ParseIP("127.0.0.1")))

	return result, openPort
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "disable", cfg.SSLMode)
	assert.Empty(t, cfg.Database, "database name must be explicitly configured")
	assert.Empty(t, cfg.Username, "username must be explicitly configured")
}

func TestSaveRun(t *testing.T) {
	result, openPort := scanLoopback(t)
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO scan_runs").
		WithArgs(result.RunID, "tcp", result.StartTime, result.EndTime,
			result.Duration.Milliseconds(), 1, int64(1), 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO open_endpoints").
		WithArgs(result.RunID, "127.0.0.1", int(openPort)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.SaveRun(context.Background(), "tcp", result)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRunInsertFailure(t *testing.T) {
	result, _ := scanLoopback(t)
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO scan_runs").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	err := store.SaveRun(context.Background(), "tcp", result)
	require.Error(t, err)
	assert.True(t, pserrors.IsCode(err, pserrors.CodeStorageFailed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveRunBeginFailure(t *testing.T) {
	result, _ := scanLoopback(t)
	store, mock := newMockStore(t)

	mock.ExpectBegin().WillReturnError(assert.AnError)

	err := store.SaveRun(context.Background(), "tcp", result)
	require.Error(t, err)
	assert.True(t, pserrors.IsCode(err, pserrors.CodeStorageFailed))
}

func TestEnsureSchema(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS scan_runs").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRuns(t *testing.T) {
	store, mock := newMockStore(t)

	runID := uuid.New()
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "transport", "started_at", "finished_at",
		"duration_ms", "target_count", "attempts", "open_count",
	}).AddRow(runID.String(), "tcp", now.Add(-time.Minute), now, int64(60000), 3, int64(300), 7)

	mock.ExpectQuery("SELECT id, transport, started_at").
		WithArgs(10).
		WillReturnRows(rows)

	runs, err := store.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].ID)
	assert.Equal(t, "tcp", runs[0].Transport)
	assert.Equal(t, 7, runs[0].OpenCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunEndpoints(t *testing.T) {
	store, mock := newMockStore(t)

	runID := uuid.New()
	rows := sqlmock.NewRows([]string{"run_id", "address", "port"}).
		AddRow(runID.String(), "10.0.0.1", 22).
		AddRow(runID.String(), "10.0.0.1", 443)

	mock.ExpectQuery("SELECT run_id, address, port FROM open_endpoints").
		WithArgs(runID).
		WillReturnRows(rows)

	endpoints, err := store.RunEndpoints(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, endpoints, 2)
	assert.Equal(t, "10.0.0.1", endpoints[0].Address)
	assert.Equal(t, 22, endpoints[0].Port)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListRunsQueryFailure(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT id, transport, started_at").WillReturnError(assert.AnError)

	_, err := store.ListRuns(context.Background(), 5)
	require.Error(t, err)
	assert.True(t, pserrors.IsCode(err, pserrors.CodeStorageFailed))
}
