package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/shipdoc-cli/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_ShipmentExists(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM shipments WHERE id = \$1\)`).
		WithArgs("rec-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := s.ShipmentExists(context.Background(), "rec-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindByBooking(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id FROM shipments WHERE booking_number = \$1`).
		WithArgs("BGA0505879").
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow("rec-1").AddRow("rec-2"))

	ids, err := s.FindByBooking(context.Background(), "BGA0505879")
	require.NoError(t, err)
	assert.Equal(t, []string{"rec-1", "rec-2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindByContainers(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	nums := []string{"CMAU0630730", "DFSU1916028"}
	mock.ExpectQuery(`SELECT DISTINCT shipment_id FROM containers WHERE number = ANY\(\$1\)`).
		WithArgs(nums).
		WillReturnRows(pgxmock.NewRows([]string{"shipment_id"}).AddRow("rec-9"))

	ids, err := s.FindByContainers(context.Background(), nums)
	require.NoError(t, err)
	assert.Equal(t, []string{"rec-9"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindByContainers_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	ids, err := s.FindByContainers(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_FindByShipmentNumber_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id FROM shipments WHERE shipment_number = \$1`).
		WithArgs("SHP0065011").
		WillReturnError(errors.New("connection reset"))

	_, err := s.FindByShipmentNumber(context.Background(), "SHP0065011")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "find by shipment number")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetShipment_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, shipment_number, .* FROM shipments WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetShipment(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateShipment(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	sh := newShipment("SHP0065011", "BGA0505879", "CMAU0630730")
	ev := createdEvent(sh)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO shipments`).
		WithArgs(sh.ID, "SHP0065011", "BGA0505879", "", "", "", "", "BUENAVENTURA", "",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			0.0, "", "AT_ORIGIN_PORT", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"containers"},
		[]string{"id", "shipment_id", "number", "type", "weight_kg", "volume_m3", "pallets", "created_at"}).
		WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO shipment_events`).
		WithArgs(ev.ID, sh.ID, "created", "", "AT_ORIGIN_PORT", "booking", "none", ev.Description, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.CreateShipment(context.Background(), sh, ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateShipment_BuildsSparseSet(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	vessel := "MSC ALINA"
	status := model.StatusInTransit
	ev := model.ShipmentEvent{ID: "ev-1", ShipmentID: "rec-1", Kind: model.EventStatusChanged, CreatedAt: time.Now()}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE shipments SET vessel = \$1, status = \$2, updated_at = \$3 WHERE id = \$4`).
		WithArgs("MSC ALINA", "IN_TRANSIT", pgxmock.AnyArg(), "rec-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`INSERT INTO shipment_events`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.UpdateShipment(context.Background(), "rec-1", model.ShipmentUpdate{Vessel: &vessel, Status: &status}, nil, ev)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateShipment_NotFoundRollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	ev := model.ShipmentEvent{ID: "ev-1", ShipmentID: "missing", Kind: model.EventUpdated, CreatedAt: time.Now()}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE shipments SET updated_at = \$1 WHERE id = \$2`).
		WithArgs(pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := s.UpdateShipment(context.Background(), "missing", model.ShipmentUpdate{}, nil, ev)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimPending(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE pending_documents SET status = \$1, resolved_at = \$2\s+WHERE id = \$3 AND status = \$4 AND expires_at > \$2`).
		WithArgs("resolving", pgxmock.AnyArg(), "pd-1", "pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.ClaimPending(context.Background(), "pd-1", time.Now()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimPending_Taken(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE pending_documents SET status = \$1, resolved_at = \$2`).
		WithArgs("resolving", pgxmock.AnyArg(), "pd-1", "pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM pending_documents WHERE id = \$1\)`).
		WithArgs("pd-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	err := s.ClaimPending(context.Background(), "pd-1", time.Now())
	assert.ErrorIs(t, err, ErrNotPending)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReleasePending(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE pending_documents SET status = \$1, resolved_at = NULL WHERE id = \$2 AND status = \$3`).
		WithArgs("pending", "pd-1", "resolving").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.ReleasePending(context.Background(), "pd-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolvePending(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	at := time.Now()
	mock.ExpectExec(`UPDATE pending_documents SET status = \$1, resolved_action = \$2`).
		WithArgs("resolved", "assigned", "rec-1", pgxmock.AnyArg(), "pd-1", "resolving").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.ResolvePending(context.Background(), "pd-1", model.ResolvedAssigned, "rec-1", at))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolvePending_AlreadyClosed(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE pending_documents SET status = \$1, resolved_action = \$2`).
		WithArgs("resolved", "discarded", "", pgxmock.AnyArg(), "pd-1", "resolving").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM pending_documents WHERE id = \$1\)`).
		WithArgs("pd-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	err := s.ResolvePending(context.Background(), "pd-1", model.ResolvedDiscarded, "", time.Now())
	assert.ErrorIs(t, err, ErrNotPending)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ResolvePending_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE pending_documents SET status = \$1`).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("pd-x").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))

	err := s.ResolvePending(context.Background(), "pd-x", model.ResolvedDiscarded, "", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ExpirePending(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE pending_documents SET status = \$1\s+WHERE expires_at <= \$2 AND \(status = \$3 OR \(status = \$4 AND resolved_at <= \$5\)\)`).
		WithArgs("expired", pgxmock.AnyArg(), "pending", "resolving", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := s.ExpirePending(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetPending_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM pending_documents WHERE id = \$1`).
		WithArgs("pd-x").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetPending(context.Background(), "pd-x")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS shipments`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
