package patient

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// DefaultTable is the table read by LoadFromDB when none is configured.
const DefaultTable = "patient_registry"

type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

// LoadFromDB builds a registry from a table holding one Patient resource
// per row in a json/jsonb column named resource.
func LoadFromDB(ctx context.Context, q querier, table string) (*Registry, error) {
	if table == "" {
		table = DefaultTable
	}
	sql := fmt.Sprintf("SELECT resource FROM %s ORDER BY id", pgx.Identifier{table}.Sanitize())

	rows, err := q.Query(ctx, sql)
	if err != nil {
		return nil, fmt.Errorf("query registry: %w", err)
	}
	defer rows.Close()

	var patients []*Patient
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan registry row: %w", err)
		}
		p, err := Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("registry row %d: %w", len(patients), err)
		}
		patients = append(patients, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate registry: %w", err)
	}
	return NewRegistry(patients)
}
