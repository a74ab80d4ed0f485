package settings

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"convsync/internal/constants"
)

// PostgresStore keeps one row per (site_id, key).
type PostgresStore struct {
	db    *sql.DB
	table string
}

func NewPostgresStore(db *sql.DB, table string) *PostgresStore {
	if table == "" {
		table = constants.DefaultSettingsTable
	}
	return &PostgresStore{db: db, table: pq.QuoteIdentifier(table)}
}

func (s *PostgresStore) SiteIDs(ctx context.Context) ([]int, error) {
	query := fmt.Sprintf(`SELECT DISTINCT site_id FROM %s ORDER BY site_id`, s.table)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query site ids: %w", err)
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan site id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	return ids, nil
}

func (s *PostgresStore) Load(ctx context.Context, siteID int) (Values, error) {
	query := fmt.Sprintf(`SELECT setting_key, setting_value FROM %s WHERE site_id = $1`, s.table)

	rows, err := s.db.QueryContext(ctx, query, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	raw := make(map[string]string)
	for rows.Next() {
		var key string
		var value sql.NullString
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		raw[key] = value.String
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}

	if len(raw) == 0 {
		return nil, siteNotFound(siteID)
	}

	return NewValues(raw), nil
}

// Save upserts the given settings of a site inside one transaction.
func (s *PostgresStore) Save(ctx context.Context, siteID int, values map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`
		INSERT INTO %s (site_id, setting_key, setting_value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (site_id, setting_key)
		DO UPDATE SET setting_value = EXCLUDED.setting_value, updated_at = NOW()
	`, s.table)

	for key, value := range values {
		if _, err := tx.ExecContext(ctx, query, siteID, key, value); err != nil {
			return fmt.Errorf("failed to save setting %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit settings: %w", err)
	}

	return nil
}
