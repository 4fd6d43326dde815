package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/kmxunan/0C-sub003/internal/config"
	"github.com/kmxunan/0C-sub003/internal/models"
)

//go:embed schema.sql
var schema string

const uniqueViolation = "23505"

// SQL is a PostgreSQL Store reached through database/sql. Both the lib/pq
// ("postgres") and pgx ("pgx") drivers are supported.
type SQL struct {
	db *sql.DB
}

// OpenPostgres opens and pings a PostgreSQL connection pool
func OpenPostgres(ctx context.Context, cfg config.DatabaseConfig) (*SQL, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewSQL(db), nil
}

// NewSQL wraps an existing connection pool
func NewSQL(db *sql.DB) *SQL {
	return &SQL{db: db}
}

// Migrate creates the tables and indexes if they do not exist
func (s *SQL) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// Ping checks database connectivity
func (s *SQL) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQL) Close() error {
	return s.db.Close()
}

const ruleColumns = `id, name, data_type, device_id, severity, condition_tree, actions,
	description_template, is_active, created_at, updated_at`

func (s *SQL) LoadActiveRules(ctx context.Context) ([]models.RuleRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM alert_rules WHERE is_active = TRUE ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var out []models.RuleRecord
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *SQL) GetRule(ctx context.Context, id string) (*models.RuleRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM alert_rules WHERE id = $1`, id)

	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (s *SQL) InsertRule(ctx context.Context, r *models.RuleRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.Name, r.DataType, r.DeviceID, string(r.Severity),
		string(r.ConditionTree), jsonOrEmptyArray(r.Actions),
		r.DescriptionTemplate, r.IsActive, r.CreatedAt, r.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return ErrRuleExists
	}
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	return nil
}

func (s *SQL) UpdateRule(ctx context.Context, r *models.RuleRecord) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE alert_rules
		SET name = $2, data_type = $3, device_id = $4, severity = $5,
			condition_tree = $6, actions = $7, description_template = $8,
			is_active = $9, updated_at = $10
		WHERE id = $1`,
		r.ID, r.Name, r.DataType, r.DeviceID, string(r.Severity),
		string(r.ConditionTree), jsonOrEmptyArray(r.Actions),
		r.DescriptionTemplate, r.IsActive, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	return requireRow(res)
}

const alertColumns = `id, rule_id, rule_name, device_id, data_type, severity, status, description,
	data_snapshot, created_at, updated_at, resolved_at, resolution, resolved_by`

func (s *SQL) InsertAlert(ctx context.Context, a *models.Alert) error {
	snapshot, err := json.Marshal(a.DataSnapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (rule_id, device_id) WHERE status = 'active' DO NOTHING`,
		a.ID, a.RuleID, a.RuleName, a.DeviceID, a.DataType, string(a.Severity),
		string(a.Status), a.Description, string(snapshot), a.CreatedAt, a.UpdatedAt,
		nullTime(a.ResolvedAt), a.Resolution, a.ResolvedBy,
	)
	if isUniqueViolation(err) {
		return ErrActiveAlertExists
	}
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	if n == 0 {
		return ErrActiveAlertExists
	}
	return nil
}

func (s *SQL) UpdateAlert(ctx context.Context, id string, upd models.AlertUpdate) error {
	var (
		sets []string
		args []any
	)
	set := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if upd.Status != nil {
		set("status", string(*upd.Status))
	}
	if upd.UpdatedAt != nil {
		set("updated_at", *upd.UpdatedAt)
	}
	if upd.ResolvedAt != nil {
		set("resolved_at", *upd.ResolvedAt)
	}
	if upd.Resolution != nil {
		set("resolution", *upd.Resolution)
	}
	if upd.ResolvedBy != nil {
		set("resolved_by", *upd.ResolvedBy)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE alerts SET %s WHERE id = $%d AND status = 'active'", strings.Join(sets, ", "), len(args))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update alert: %w", err)
	}
	return requireRow(res)
}

func (s *SQL) GetActiveAlert(ctx context.Context, ruleID, deviceID string) (*models.Alert, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE rule_id = $1 AND device_id = $2 AND status = 'active'`,
		ruleID, deviceID)

	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

func (s *SQL) LoadActiveAlerts(ctx context.Context) ([]*models.Alert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE status = 'active' ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []*models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(row scanner) (*models.RuleRecord, error) {
	var (
		r         models.RuleRecord
		severity  string
		condition []byte
		actions   []byte
	)
	err := row.Scan(&r.ID, &r.Name, &r.DataType, &r.DeviceID, &severity, &condition, &actions,
		&r.DescriptionTemplate, &r.IsActive, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.Severity = models.Severity(severity)
	r.ConditionTree = json.RawMessage(condition)
	r.Actions = json.RawMessage(actions)
	return &r, nil
}

func scanAlert(row scanner) (*models.Alert, error) {
	var (
		a          models.Alert
		severity   string
		status     string
		snapshot   []byte
		resolvedAt sql.NullTime
	)
	err := row.Scan(&a.ID, &a.RuleID, &a.RuleName, &a.DeviceID, &a.DataType, &severity, &status,
		&a.Description, &snapshot, &a.CreatedAt, &a.UpdatedAt, &resolvedAt, &a.Resolution, &a.ResolvedBy)
	if err != nil {
		return nil, err
	}
	a.Severity = models.Severity(severity)
	a.Status = models.AlertStatus(status)
	if resolvedAt.Valid {
		t := resolvedAt.Time
		a.ResolvedAt = &t
	}
	if len(snapshot) > 0 && string(snapshot) != "null" {
		if err := json.Unmarshal(snapshot, &a.DataSnapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot for alert %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// JSON columns are sent as text; lib/pq would encode []byte as bytea
func jsonOrEmptyArray(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "[]"
	}
	return string(raw)
}

// isUniqueViolation recognizes unique constraint errors from either driver
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return false
}
