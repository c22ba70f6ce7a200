package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/searchdeploy/deployer/internal/models"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	CreateDeployment(ctx context.Context, d models.Deployment) (models.Deployment, error)
	UpdateDeployment(ctx context.Context, d models.Deployment) (models.Deployment, error)
	GetDeployment(ctx context.Context, id uuid.UUID) (models.Deployment, error)
	ListDeployments(ctx context.Context, filter ListDeploymentsFilter) ([]models.Deployment, error)
	Ping(ctx context.Context) error
}

type ListDeploymentsFilter struct {
	Tenant      string
	Application string
	Instance    string
	State       models.State
	Limit       int
	Offset      int
}

type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

const deploymentColumns = `id, tenant, application, instance, environment, build, state, endpoint, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDeployment(row rowScanner) (models.Deployment, error) {
	var (
		d     models.Deployment
		env   string
		state string
		build sql.NullInt64
	)
	if err := row.Scan(
		&d.ID,
		&d.Tenant,
		&d.Application,
		&d.Instance,
		&env,
		&build,
		&state,
		&d.Endpoint,
		&d.LastError,
		&d.CreatedAt,
		&d.UpdatedAt,
	); err != nil {
		return models.Deployment{}, err
	}
	d.Environment = models.Environment(env)
	d.State = models.State(state)
	if build.Valid {
		b := build.Int64
		d.Build = &b
	}
	return d, nil
}

func nullBuild(build *int64) sql.NullInt64 {
	if build == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *build, Valid: true}
}

func (s *PGStore) CreateDeployment(ctx context.Context, d models.Deployment) (models.Deployment, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	query := `
		INSERT INTO deployments (id, tenant, application, instance, environment, build, state, endpoint, last_error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING ` + deploymentColumns
	row := s.db.QueryRowContext(ctx, query, d.ID, d.Tenant, d.Application, d.Instance, string(d.Environment), nullBuild(d.Build), string(d.State), d.Endpoint, d.LastError)
	out, err := scanDeployment(row)
	if err != nil {
		return models.Deployment{}, fmt.Errorf("insert deployment: %w", err)
	}
	return out, nil
}

// UpdateDeployment writes the mutable lifecycle fields of d.
func (s *PGStore) UpdateDeployment(ctx context.Context, d models.Deployment) (models.Deployment, error) {
	query := `
		UPDATE deployments
		SET build=$2, state=$3, endpoint=$4, last_error=$5, updated_at=NOW()
		WHERE id=$1
		RETURNING ` + deploymentColumns
	out, err := scanDeployment(s.db.QueryRowContext(ctx, query, d.ID, nullBuild(d.Build), string(d.State), d.Endpoint, d.LastError))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Deployment{}, ErrNotFound
		}
		return models.Deployment{}, fmt.Errorf("update deployment: %w", err)
	}
	return out, nil
}

func (s *PGStore) GetDeployment(ctx context.Context, id uuid.UUID) (models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id=$1`
	d, err := scanDeployment(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Deployment{}, ErrNotFound
		}
		return models.Deployment{}, fmt.Errorf("get deployment: %w", err)
	}
	return d, nil
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func (s *PGStore) ListDeployments(ctx context.Context, filter ListDeploymentsFilter) ([]models.Deployment, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE 1=1`
	args := []interface{}{}
	argPos := 1
	add := func(column string, value interface{}) {
		query += fmt.Sprintf(" AND %s = $%d", column, argPos)
		args = append(args, value)
		argPos++
	}
	if filter.Tenant != "" {
		add("tenant", filter.Tenant)
	}
	if filter.Application != "" {
		add("application", filter.Application)
	}
	if filter.Instance != "" {
		add("instance", filter.Instance)
	}
	if filter.State != "" {
		add("state", string(filter.State))
	}
	query += " ORDER BY created_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argPos)
	args = append(args, normalizeLimit(filter.Limit))
	argPos++
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	query += fmt.Sprintf(" OFFSET $%d", argPos)
	args = append(args, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []models.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	return out, nil
}

func (s *PGStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
