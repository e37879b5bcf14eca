package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/shipdoc-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer keeps multi-statement transactions from tripping SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS shipments (
	id                 TEXT PRIMARY KEY,
	shipment_number    TEXT NOT NULL UNIQUE,
	booking_number     TEXT NOT NULL DEFAULT '',
	purchase_ref       TEXT NOT NULL DEFAULT '',
	bill_of_lading     TEXT NOT NULL DEFAULT '',
	vessel             TEXT NOT NULL DEFAULT '',
	voyage             TEXT NOT NULL DEFAULT '',
	origin_port        TEXT NOT NULL DEFAULT '',
	destination_port   TEXT NOT NULL DEFAULT '',
	etd                DATETIME,
	eta                DATETIME,
	atd                DATETIME,
	ata                DATETIME,
	freight_amount_usd REAL NOT NULL DEFAULT 0,
	freight_terms      TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'AT_FACTORY',
	created_at         DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at         DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_shipments_booking ON shipments(booking_number);
CREATE INDEX IF NOT EXISTS idx_shipments_status ON shipments(status);

CREATE TABLE IF NOT EXISTS containers (
	id          TEXT PRIMARY KEY,
	shipment_id TEXT NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
	number      TEXT NOT NULL,
	type        TEXT NOT NULL DEFAULT '',
	weight_kg   REAL NOT NULL DEFAULT 0,
	volume_m3   REAL NOT NULL DEFAULT 0,
	pallets     INTEGER NOT NULL DEFAULT 0,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE (shipment_id, number)
);

CREATE INDEX IF NOT EXISTS idx_containers_number ON containers(number);

CREATE TABLE IF NOT EXISTS shipment_events (
	id            TEXT PRIMARY KEY,
	shipment_id   TEXT NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
	kind          TEXT NOT NULL,
	from_status   TEXT NOT NULL DEFAULT '',
	to_status     TEXT NOT NULL DEFAULT '',
	document_type TEXT NOT NULL DEFAULT '',
	matched_by    TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_shipment_events_shipment ON shipment_events(shipment_id, created_at);

CREATE TABLE IF NOT EXISTS pending_documents (
	id                   TEXT PRIMARY KEY,
	document_type        TEXT NOT NULL,
	parsed               TEXT,
	storage_ref          TEXT NOT NULL DEFAULT '',
	filename             TEXT NOT NULL DEFAULT '',
	source               TEXT NOT NULL,
	email_from           TEXT NOT NULL DEFAULT '',
	email_subject        TEXT NOT NULL DEFAULT '',
	attempted_booking    TEXT NOT NULL DEFAULT '',
	attempted_primary_id TEXT NOT NULL DEFAULT '',
	attempted_containers TEXT NOT NULL DEFAULT '[]',
	reason               TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL DEFAULT 'pending',
	resolved_at          DATETIME,
	resolved_record_id   TEXT NOT NULL DEFAULT '',
	resolved_action      TEXT NOT NULL DEFAULT '',
	expires_at           DATETIME NOT NULL,
	created_at           DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_pending_status_expires ON pending_documents(status, expires_at);
CREATE INDEX IF NOT EXISTS idx_pending_created ON pending_documents(created_at);
`

// Ping checks connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- matching lookups ---

func (s *SQLiteStore) ShipmentExists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM shipments WHERE id = ?)`, id).Scan(&ok)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: shipment exists %s", id)
	}
	return ok, nil
}

func (s *SQLiteStore) FindByBooking(ctx context.Context, booking string) ([]string, error) {
	return s.queryIDs(ctx, "find by booking",
		`SELECT id FROM shipments WHERE booking_number = ? ORDER BY created_at`, booking)
}

func (s *SQLiteStore) FindByShipmentNumber(ctx context.Context, number string) ([]string, error) {
	return s.queryIDs(ctx, "find by shipment number",
		`SELECT id FROM shipments WHERE shipment_number = ? ORDER BY created_at`, number)
}

func (s *SQLiteStore) FindByContainers(ctx context.Context, numbers []string) ([]string, error) {
	if len(numbers) == 0 {
		return nil, nil
	}
	args := make([]any, len(numbers))
	for i, n := range numbers {
		args[i] = n
	}
	return s.queryIDs(ctx, "find by containers",
		`SELECT DISTINCT shipment_id FROM containers WHERE number IN (`+placeholders(len(numbers))+`)`, args...)
}

func (s *SQLiteStore) queryIDs(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	defer rows.Close() //nolint:errcheck

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrapf(err, "sqlite: %s scan", op)
		}
		ids = append(ids, id)
	}
	return ids, eris.Wrapf(rows.Err(), "sqlite: %s iterate", op)
}

// --- shipments ---

func (s *SQLiteStore) GetShipment(ctx context.Context, id string) (*model.Shipment, error) {
	sh, err := scanShipmentSQLite(s.db.QueryRowContext(ctx,
		`SELECT `+shipmentColumns+` FROM shipments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get shipment %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get shipment %s", id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+containerColumns+` FROM containers WHERE shipment_id = ? ORDER BY created_at, number`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list containers %s", id)
	}
	defer rows.Close() //nolint:errcheck
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan container")
		}
		sh.Containers = append(sh.Containers, *c)
	}
	return sh, eris.Wrap(rows.Err(), "sqlite: list containers iterate")
}

func (s *SQLiteStore) ListShipments(ctx context.Context, filter ShipmentFilter) ([]model.Shipment, error) {
	query := `SELECT ` + shipmentColumns + ` FROM shipments WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, clampLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list shipments")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Shipment
	for rows.Next() {
		sh, err := scanShipmentSQLite(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan shipment")
		}
		out = append(out, *sh)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list shipments iterate")
}

func (s *SQLiteStore) CreateShipment(ctx context.Context, sh *model.Shipment, event model.ShipmentEvent) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO shipments (`+shipmentColumns+`) VALUES (`+placeholders(18)+`)`,
			sh.ID, sh.ShipmentNumber, sh.BookingNumber, sh.PurchaseRef, sh.BillOfLading, sh.Vessel, sh.Voyage,
			sh.OriginPort, sh.DestinationPort, nullTime(sh.ETD), nullTime(sh.ETA), nullTime(sh.ATD), nullTime(sh.ATA),
			sh.FreightAmountUSD, sh.FreightTerms, string(sh.Status), sh.CreatedAt.UTC(), sh.UpdatedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert shipment %s", sh.ShipmentNumber)
		}
		if err := insertContainersSQLite(ctx, tx, sh.Containers); err != nil {
			return err
		}
		return insertEventSQLite(ctx, tx, event)
	})
}

func (s *SQLiteStore) UpdateShipment(ctx context.Context, id string, upd model.ShipmentUpdate, added []model.Container, event model.ShipmentEvent) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		clauses := updateClauses(upd)
		sets := make([]string, 0, len(clauses)+1)
		args := make([]any, 0, len(clauses)+2)
		for _, c := range clauses {
			sets = append(sets, c.column+" = ?")
			args = append(args, c.value)
		}
		sets = append(sets, "updated_at = ?")
		args = append(args, event.CreatedAt.UTC(), id)

		res, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE shipments SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
		if err != nil {
			return eris.Wrapf(err, "sqlite: update shipment %s", id)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return eris.Wrap(err, "sqlite: rows affected")
		}
		if n == 0 {
			return eris.Wrapf(ErrNotFound, "sqlite: update shipment %s", id)
		}
		if err := insertContainersSQLite(ctx, tx, added); err != nil {
			return err
		}
		return insertEventSQLite(ctx, tx, event)
	})
}

func insertContainersSQLite(ctx context.Context, tx *sql.Tx, containers []model.Container) error {
	for _, c := range containers {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO containers (`+containerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.ShipmentID, c.Number, c.Type, c.WeightKg, c.VolumeM3, c.Pallets, c.CreatedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert container %s", c.Number)
		}
	}
	return nil
}

func insertEventSQLite(ctx context.Context, tx *sql.Tx, ev model.ShipmentEvent) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO shipment_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ShipmentID, string(ev.Kind), string(ev.FromStatus), string(ev.ToStatus),
		string(ev.DocumentType), string(ev.MatchedBy), ev.Description, ev.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert event for %s", ev.ShipmentID)
}

func (s *SQLiteStore) ListEvents(ctx context.Context, shipmentID string) ([]model.ShipmentEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM shipment_events WHERE shipment_id = ? ORDER BY created_at, rowid`, shipmentID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list events %s", shipmentID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ShipmentEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		out = append(out, *ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}

// --- pending documents ---

func (s *SQLiteStore) CreatePending(ctx context.Context, p *model.PendingDocument) error {
	parsed, err := marshalParsed(p.Parsed)
	if err != nil {
		return err
	}
	var parsedText sql.NullString
	if parsed != nil {
		parsedText = sql.NullString{String: string(parsed), Valid: true}
	}
	attempted := p.AttemptedContainers
	if attempted == nil {
		attempted = []string{}
	}
	attemptedJSON, err := json.Marshal(attempted)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal attempted containers")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_documents (`+pendingColumns+`) VALUES (`+placeholders(18)+`)`,
		p.ID, string(p.DocumentType), parsedText, p.StorageRef, p.Filename, string(p.Source), p.EmailFrom, p.EmailSubject,
		p.AttemptedBooking, p.AttemptedPrimaryID, string(attemptedJSON), p.Reason, string(p.Status),
		nullTime(p.ResolvedAt), p.ResolvedRecordID, string(p.ResolvedAction), p.ExpiresAt.UTC(), p.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert pending %s", p.ID)
}

func (s *SQLiteStore) GetPending(ctx context.Context, id string) (*model.PendingDocument, error) {
	p, err := scanPendingSQLite(s.db.QueryRowContext(ctx,
		`SELECT `+pendingColumns+` FROM pending_documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get pending %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get pending %s", id)
	}
	return p, nil
}

func (s *SQLiteStore) ListPending(ctx context.Context, filter PendingFilter) ([]model.PendingDocument, int, error) {
	where := ` WHERE 1=1`
	var args []any
	if filter.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.DocumentType != "" {
		where += ` AND document_type = ?`
		args = append(args, string(filter.DocumentType))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM pending_documents`+where, args...).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: count pending")
	}

	query := `SELECT ` + pendingColumns + ` FROM pending_documents` + where + ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, clampLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, eris.Wrap(err, "sqlite: list pending")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.PendingDocument
	for rows.Next() {
		p, err := scanPendingSQLite(rows)
		if err != nil {
			return nil, 0, eris.Wrap(err, "sqlite: scan pending")
		}
		out = append(out, *p)
	}
	return out, total, eris.Wrap(rows.Err(), "sqlite: list pending iterate")
}

func (s *SQLiteStore) ClaimPending(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_documents SET status = ?, resolved_at = ?
		 WHERE id = ? AND status = ? AND expires_at > ?`,
		string(model.PendingResolving), at.UTC(), id, string(model.PendingOpen), at.UTC(),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: claim pending %s", id)
	}
	return s.pendingChanged(ctx, res, id, "claim")
}

func (s *SQLiteStore) ReleasePending(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_documents SET status = ?, resolved_at = NULL WHERE id = ? AND status = ?`,
		string(model.PendingOpen), id, string(model.PendingResolving),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: release pending %s", id)
	}
	return s.pendingChanged(ctx, res, id, "release")
}

func (s *SQLiteStore) ResolvePending(ctx context.Context, id string, action model.ResolvedAction, recordID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_documents SET status = ?, resolved_action = ?, resolved_record_id = ?, resolved_at = ?
		 WHERE id = ? AND status = ?`,
		string(model.PendingResolved), string(action), recordID, at.UTC(), id, string(model.PendingResolving),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: resolve pending %s", id)
	}
	return s.pendingChanged(ctx, res, id, "resolve")
}

func (s *SQLiteStore) ExpirePending(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_documents SET status = ?
		 WHERE expires_at <= ? AND (status = ? OR (status = ? AND resolved_at <= ?))`,
		string(model.PendingExpired), now.UTC(), string(model.PendingOpen),
		string(model.PendingResolving), now.Add(-StaleClaimAfter).UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: expire pending")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

// pendingChanged turns a conditional pending update that touched no row
// into ErrNotFound or ErrNotPending.
func (s *SQLiteStore) pendingChanged(ctx context.Context, res sql.Result, id, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM pending_documents WHERE id = ?)`, id).Scan(&exists); err != nil {
		return eris.Wrapf(err, "sqlite: pending exists %s", id)
	}
	if !exists {
		return eris.Wrapf(ErrNotFound, "sqlite: %s pending %s", op, id)
	}
	return eris.Wrapf(ErrNotPending, "sqlite: %s pending %s", op, id)
}

// helpers

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func scanShipmentSQLite(row scannable) (*model.Shipment, error) {
	var sh model.Shipment
	var status string
	var etd, eta, atd, ata sql.NullTime
	err := row.Scan(&sh.ID, &sh.ShipmentNumber, &sh.BookingNumber, &sh.PurchaseRef, &sh.BillOfLading,
		&sh.Vessel, &sh.Voyage, &sh.OriginPort, &sh.DestinationPort,
		&etd, &eta, &atd, &ata, &sh.FreightAmountUSD, &sh.FreightTerms, &status,
		&sh.CreatedAt, &sh.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sh.ETD, sh.ETA, sh.ATD, sh.ATA = timePtr(etd), timePtr(eta), timePtr(atd), timePtr(ata)
	sh.Status = model.Status(status)
	return &sh, nil
}

func scanPendingSQLite(row scannable) (*model.PendingDocument, error) {
	var p model.PendingDocument
	var docType, source, status, action, attempted string
	var parsed sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&p.ID, &docType, &parsed, &p.StorageRef, &p.Filename, &source, &p.EmailFrom, &p.EmailSubject,
		&p.AttemptedBooking, &p.AttemptedPrimaryID, &attempted, &p.Reason, &status,
		&resolvedAt, &p.ResolvedRecordID, &action, &p.ExpiresAt, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.DocumentType = model.DocumentType(docType)
	p.Source = model.Source(source)
	p.Status = model.PendingStatus(status)
	p.ResolvedAction = model.ResolvedAction(action)
	p.ResolvedAt = timePtr(resolvedAt)
	if attempted != "" {
		if err := json.Unmarshal([]byte(attempted), &p.AttemptedContainers); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal attempted containers")
		}
	}
	if parsed.Valid {
		if p.Parsed, err = unmarshalParsed([]byte(parsed.String)); err != nil {
			return nil, err
		}
	}
	return &p, nil
}
