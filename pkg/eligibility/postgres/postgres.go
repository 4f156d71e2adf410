package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/apec-labs/apec-certs-go/pkg/address"
	"github.com/apec-labs/apec-certs-go/pkg/eligibility"
)

// Soft-deleted certificates are not eligible. Rows come back in insertion order,
// which is the order the course-management flow recorded them in.
const listEligibleQuery = `
SELECT id, wallet
FROM certificate
WHERE course_id = $1 AND deleted_at IS NULL
ORDER BY id ASC`

// querier is the subset of pgxpool.Pool used here.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresLeafSource reads eligible wallets from the certificate table.
type PostgresLeafSource struct {
	db     querier
	logger *zap.Logger
}

var _ eligibility.ILeafSource = (*PostgresLeafSource)(nil)

// NewPostgresLeafSource connects a pool to databaseURL and checks connectivity.
func NewPostgresLeafSource(ctx context.Context, databaseURL string, logger *zap.Logger) (*PostgresLeafSource, *pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, nil, fmt.Errorf("database URL cannot be empty")
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	var version string
	if err := pool.QueryRow(ctx, "SELECT version()").Scan(&version); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	logger.Sugar().Infow("Connected to postgres", "version", version)

	return NewPostgresLeafSourceFromPool(pool, logger), pool, nil
}

// NewPostgresLeafSourceFromPool wraps an existing pool. The caller owns the pool.
func NewPostgresLeafSourceFromPool(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLeafSource {
	return &PostgresLeafSource{
		db:     pool,
		logger: logger,
	}
}

type walletRow struct {
	ID     int64
	Wallet string
}

func (p *PostgresLeafSource) ListEligibleAddresses(ctx context.Context, courseID string) ([]address.Address, error) {
	rows, err := p.db.Query(ctx, listEligibleQuery, courseID)
	if err != nil {
		return nil, fmt.Errorf("failed to query certificates for course %s: %w", courseID, err)
	}

	walletRows, err := pgx.CollectRows(rows, pgx.RowToStructByPos[walletRow])
	if err != nil {
		return nil, fmt.Errorf("failed to read certificates for course %s: %w", courseID, err)
	}

	if len(walletRows) == 0 {
		return nil, eligibility.ErrCourseNotFound
	}

	addrs, err := parseWalletRows(walletRows)
	if err != nil {
		return nil, fmt.Errorf("course %s: %w", courseID, err)
	}

	p.logger.Sugar().Debugw("Loaded eligible wallets", "course_id", courseID, "count", len(addrs))
	return addrs, nil
}

func parseWalletRows(rows []walletRow) ([]address.Address, error) {
	addrs := make([]address.Address, len(rows))
	for i, row := range rows {
		a, err := address.Parse(row.Wallet)
		if err != nil {
			return nil, fmt.Errorf("certificate %d has an invalid wallet: %w", row.ID, err)
		}
		addrs[i] = a
	}
	return addrs, nil
}
