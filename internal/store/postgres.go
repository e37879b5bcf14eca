package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/shipdoc-cli/internal/db"
	"github.com/sells-group/shipdoc-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists the lookups prepared on each new connection.
var preparedStatements = map[string]string{
	"shipment_exists":    `SELECT EXISTS (SELECT 1 FROM shipments WHERE id = $1)`,
	"find_by_booking":    `SELECT id FROM shipments WHERE booking_number = $1 ORDER BY created_at`,
	"find_by_number":     `SELECT id FROM shipments WHERE shipment_number = $1 ORDER BY created_at`,
	"find_by_containers": `SELECT DISTINCT shipment_id FROM containers WHERE number = ANY($1)`,
	"get_pending":        `SELECT ` + pendingColumns + ` FROM pending_documents WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
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
	etd                TIMESTAMPTZ,
	eta                TIMESTAMPTZ,
	atd                TIMESTAMPTZ,
	ata                TIMESTAMPTZ,
	freight_amount_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	freight_terms      TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL DEFAULT 'AT_FACTORY',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_shipments_booking ON shipments(booking_number) WHERE booking_number <> '';
CREATE INDEX IF NOT EXISTS idx_shipments_status ON shipments(status);

CREATE TABLE IF NOT EXISTS containers (
	id          TEXT PRIMARY KEY,
	shipment_id TEXT NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
	number      TEXT NOT NULL,
	type        TEXT NOT NULL DEFAULT '',
	weight_kg   DOUBLE PRECISION NOT NULL DEFAULT 0,
	volume_m3   DOUBLE PRECISION NOT NULL DEFAULT 0,
	pallets     INTEGER NOT NULL DEFAULT 0,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
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
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_shipment_events_shipment ON shipment_events(shipment_id, created_at);

CREATE TABLE IF NOT EXISTS pending_documents (
	id                   TEXT PRIMARY KEY,
	document_type        TEXT NOT NULL,
	parsed               JSONB,
	storage_ref          TEXT NOT NULL DEFAULT '',
	filename             TEXT NOT NULL DEFAULT '',
	source               TEXT NOT NULL,
	email_from           TEXT NOT NULL DEFAULT '',
	email_subject        TEXT NOT NULL DEFAULT '',
	attempted_booking    TEXT NOT NULL DEFAULT '',
	attempted_primary_id TEXT NOT NULL DEFAULT '',
	attempted_containers TEXT[] NOT NULL DEFAULT '{}',
	reason               TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL DEFAULT 'pending',
	resolved_at          TIMESTAMPTZ,
	resolved_record_id   TEXT NOT NULL DEFAULT '',
	resolved_action      TEXT NOT NULL DEFAULT '',
	expires_at           TIMESTAMPTZ NOT NULL,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_pending_status_expires ON pending_documents(status, expires_at);
CREATE INDEX IF NOT EXISTS idx_pending_created ON pending_documents(created_at DESC);
`

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- matching lookups ---

func (s *PostgresStore) ShipmentExists(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM shipments WHERE id = $1)`, id).Scan(&ok)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: shipment exists %s", id)
	}
	return ok, nil
}

func (s *PostgresStore) FindByBooking(ctx context.Context, booking string) ([]string, error) {
	return s.queryIDs(ctx, "find by booking",
		`SELECT id FROM shipments WHERE booking_number = $1 ORDER BY created_at`, booking)
}

func (s *PostgresStore) FindByShipmentNumber(ctx context.Context, number string) ([]string, error) {
	return s.queryIDs(ctx, "find by shipment number",
		`SELECT id FROM shipments WHERE shipment_number = $1 ORDER BY created_at`, number)
}

func (s *PostgresStore) FindByContainers(ctx context.Context, numbers []string) ([]string, error) {
	if len(numbers) == 0 {
		return nil, nil
	}
	return s.queryIDs(ctx, "find by containers",
		`SELECT DISTINCT shipment_id FROM containers WHERE number = ANY($1)`, numbers)
}

func (s *PostgresStore) queryIDs(ctx context.Context, op, sql string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s scan", op)
	}
	return ids, nil
}

// --- shipments ---

func (s *PostgresStore) GetShipment(ctx context.Context, id string) (*model.Shipment, error) {
	sh, err := scanShipment(s.pool.QueryRow(ctx,
		`SELECT `+shipmentColumns+` FROM shipments WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get shipment %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get shipment %s", id)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+containerColumns+` FROM containers WHERE shipment_id = $1 ORDER BY created_at, number`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list containers %s", id)
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan container")
		}
		sh.Containers = append(sh.Containers, *c)
	}
	return sh, eris.Wrap(rows.Err(), "postgres: list containers iterate")
}

func (s *PostgresStore) ListShipments(ctx context.Context, filter ShipmentFilter) ([]model.Shipment, error) {
	query := `SELECT ` + shipmentColumns + ` FROM shipments WHERE 1=1`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	args = append(args, clampLimit(filter.Limit))
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list shipments")
	}
	defer rows.Close()

	var out []model.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan shipment")
		}
		out = append(out, *sh)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list shipments iterate")
}

func (s *PostgresStore) CreateShipment(ctx context.Context, sh *model.Shipment, event model.ShipmentEvent) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO shipments (`+shipmentColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
			sh.ID, sh.ShipmentNumber, sh.BookingNumber, sh.PurchaseRef, sh.BillOfLading, sh.Vessel, sh.Voyage,
			sh.OriginPort, sh.DestinationPort, utcPtr(sh.ETD), utcPtr(sh.ETA), utcPtr(sh.ATD), utcPtr(sh.ATA),
			sh.FreightAmountUSD, sh.FreightTerms, string(sh.Status), sh.CreatedAt.UTC(), sh.UpdatedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert shipment %s", sh.ShipmentNumber)
		}
		if err := copyContainers(ctx, tx, sh.Containers); err != nil {
			return err
		}
		return insertEventPG(ctx, tx, event)
	})
}

func (s *PostgresStore) UpdateShipment(ctx context.Context, id string, upd model.ShipmentUpdate, added []model.Container, event model.ShipmentEvent) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		clauses := updateClauses(upd)
		sets := make([]string, 0, len(clauses)+1)
		args := make([]any, 0, len(clauses)+2)
		for _, c := range clauses {
			args = append(args, c.value)
			sets = append(sets, fmt.Sprintf("%s = $%d", c.column, len(args)))
		}
		args = append(args, event.CreatedAt.UTC())
		sets = append(sets, fmt.Sprintf("updated_at = $%d", len(args)))
		args = append(args, id)

		tag, err := tx.Exec(ctx,
			fmt.Sprintf(`UPDATE shipments SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args)),
			args...,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: update shipment %s", id)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrNotFound, "postgres: update shipment %s", id)
		}
		if err := copyContainers(ctx, tx, added); err != nil {
			return err
		}
		return insertEventPG(ctx, tx, event)
	})
}

func copyContainers(ctx context.Context, tx pgx.Tx, containers []model.Container) error {
	rows := make([][]any, 0, len(containers))
	for _, c := range containers {
		rows = append(rows, []any{c.ID, c.ShipmentID, c.Number, c.Type, c.WeightKg, c.VolumeM3, c.Pallets, c.CreatedAt.UTC()})
	}
	_, err := db.CopyFrom(ctx, tx, "containers",
		[]string{"id", "shipment_id", "number", "type", "weight_kg", "volume_m3", "pallets", "created_at"}, rows)
	return err
}

func insertEventPG(ctx context.Context, tx pgx.Tx, ev model.ShipmentEvent) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO shipment_events (`+eventColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.ShipmentID, string(ev.Kind), string(ev.FromStatus), string(ev.ToStatus),
		string(ev.DocumentType), string(ev.MatchedBy), ev.Description, ev.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert event for %s", ev.ShipmentID)
}

func (s *PostgresStore) ListEvents(ctx context.Context, shipmentID string) ([]model.ShipmentEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM shipment_events WHERE shipment_id = $1 ORDER BY created_at, id`, shipmentID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list events %s", shipmentID)
	}
	defer rows.Close()

	var out []model.ShipmentEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		out = append(out, *ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list events iterate")
}

// --- pending documents ---

func (s *PostgresStore) CreatePending(ctx context.Context, p *model.PendingDocument) error {
	parsed, err := marshalParsed(p.Parsed)
	if err != nil {
		return err
	}
	attempted := p.AttemptedContainers
	if attempted == nil {
		attempted = []string{}
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO pending_documents (`+pendingColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		p.ID, string(p.DocumentType), parsed, p.StorageRef, p.Filename, string(p.Source), p.EmailFrom, p.EmailSubject,
		p.AttemptedBooking, p.AttemptedPrimaryID, attempted, p.Reason, string(p.Status),
		utcPtr(p.ResolvedAt), p.ResolvedRecordID, string(p.ResolvedAction), p.ExpiresAt.UTC(), p.CreatedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert pending %s", p.ID)
}

func (s *PostgresStore) GetPending(ctx context.Context, id string) (*model.PendingDocument, error) {
	p, err := scanPendingPG(s.pool.QueryRow(ctx,
		`SELECT `+pendingColumns+` FROM pending_documents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get pending %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get pending %s", id)
	}
	return p, nil
}

func (s *PostgresStore) ListPending(ctx context.Context, filter PendingFilter) ([]model.PendingDocument, int, error) {
	where := ` WHERE 1=1`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		where += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.DocumentType != "" {
		args = append(args, string(filter.DocumentType))
		where += fmt.Sprintf(` AND document_type = $%d`, len(args))
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM pending_documents`+where, args...).Scan(&total); err != nil {
		return nil, 0, eris.Wrap(err, "postgres: count pending")
	}

	query := `SELECT ` + pendingColumns + ` FROM pending_documents` + where
	args = append(args, clampLimit(filter.Limit))
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, eris.Wrap(err, "postgres: list pending")
	}
	defer rows.Close()

	var out []model.PendingDocument
	for rows.Next() {
		p, err := scanPendingPG(rows)
		if err != nil {
			return nil, 0, eris.Wrap(err, "postgres: scan pending")
		}
		out = append(out, *p)
	}
	return out, total, eris.Wrap(rows.Err(), "postgres: list pending iterate")
}

func (s *PostgresStore) ClaimPending(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pending_documents SET status = $1, resolved_at = $2
		 WHERE id = $3 AND status = $4 AND expires_at > $2`,
		string(model.PendingResolving), at.UTC(), id, string(model.PendingOpen),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: claim pending %s", id)
	}
	return s.pendingChanged(ctx, tag, id, "claim")
}

func (s *PostgresStore) ReleasePending(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pending_documents SET status = $1, resolved_at = NULL WHERE id = $2 AND status = $3`,
		string(model.PendingOpen), id, string(model.PendingResolving),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: release pending %s", id)
	}
	return s.pendingChanged(ctx, tag, id, "release")
}

func (s *PostgresStore) ResolvePending(ctx context.Context, id string, action model.ResolvedAction, recordID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pending_documents SET status = $1, resolved_action = $2, resolved_record_id = $3, resolved_at = $4
		 WHERE id = $5 AND status = $6`,
		string(model.PendingResolved), string(action), recordID, at.UTC(), id, string(model.PendingResolving),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: resolve pending %s", id)
	}
	return s.pendingChanged(ctx, tag, id, "resolve")
}

func (s *PostgresStore) ExpirePending(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pending_documents SET status = $1
		 WHERE expires_at <= $2 AND (status = $3 OR (status = $4 AND resolved_at <= $5))`,
		string(model.PendingExpired), now.UTC(), string(model.PendingOpen),
		string(model.PendingResolving), now.Add(-StaleClaimAfter).UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: expire pending")
	}
	return int(tag.RowsAffected()), nil
}

// pendingChanged turns a conditional pending update that touched no row
// into ErrNotFound or ErrNotPending.
func (s *PostgresStore) pendingChanged(ctx context.Context, tag pgconn.CommandTag, id, op string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pending_documents WHERE id = $1)`, id).Scan(&exists); err != nil {
		return eris.Wrapf(err, "postgres: pending exists %s", id)
	}
	if !exists {
		return eris.Wrapf(ErrNotFound, "postgres: %s pending %s", op, id)
	}
	return eris.Wrapf(ErrNotPending, "postgres: %s pending %s", op, id)
}

// --- scanning ---

type scannable interface {
	Scan(dest ...any) error
}

func scanShipment(row scannable) (*model.Shipment, error) {
	var sh model.Shipment
	var status string
	err := row.Scan(&sh.ID, &sh.ShipmentNumber, &sh.BookingNumber, &sh.PurchaseRef, &sh.BillOfLading,
		&sh.Vessel, &sh.Voyage, &sh.OriginPort, &sh.DestinationPort,
		&sh.ETD, &sh.ETA, &sh.ATD, &sh.ATA, &sh.FreightAmountUSD, &sh.FreightTerms, &status,
		&sh.CreatedAt, &sh.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sh.Status = model.Status(status)
	return &sh, nil
}

func scanContainer(row scannable) (*model.Container, error) {
	var c model.Container
	err := row.Scan(&c.ID, &c.ShipmentID, &c.Number, &c.Type, &c.WeightKg, &c.VolumeM3, &c.Pallets, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanEvent(row scannable) (*model.ShipmentEvent, error) {
	var ev model.ShipmentEvent
	var kind, from, to, docType, matchedBy string
	err := row.Scan(&ev.ID, &ev.ShipmentID, &kind, &from, &to, &docType, &matchedBy, &ev.Description, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}
	ev.Kind = model.EventKind(kind)
	ev.FromStatus = model.Status(from)
	ev.ToStatus = model.Status(to)
	ev.DocumentType = model.DocumentType(docType)
	ev.MatchedBy = model.MatchedBy(matchedBy)
	return &ev, nil
}

func scanPendingPG(row scannable) (*model.PendingDocument, error) {
	var p model.PendingDocument
	var docType, source, status, action string
	var parsed []byte
	err := row.Scan(&p.ID, &docType, &parsed, &p.StorageRef, &p.Filename, &source, &p.EmailFrom, &p.EmailSubject,
		&p.AttemptedBooking, &p.AttemptedPrimaryID, &p.AttemptedContainers, &p.Reason, &status,
		&p.ResolvedAt, &p.ResolvedRecordID, &action, &p.ExpiresAt, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.DocumentType = model.DocumentType(docType)
	p.Source = model.Source(source)
	p.Status = model.PendingStatus(status)
	p.ResolvedAction = model.ResolvedAction(action)
	if p.Parsed, err = unmarshalParsed(parsed); err != nil {
		return nil, err
	}
	return &p, nil
}

func marshalParsed(doc *model.ParsedDocument) ([]byte, error) {
	if doc == nil {
		return nil, nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return nil, eris.Wrap(err, "store: marshal parsed document")
	}
	return b, nil
}

func unmarshalParsed(b []byte) (*model.ParsedDocument, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var doc model.ParsedDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal parsed document")
	}
	return &doc, nil
}
