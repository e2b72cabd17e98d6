package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// UpsertConfig defines the parameters for a bulk upsert.
type UpsertConfig struct {
	Table        string   // target table, optionally schema-qualified
	Columns      []string // columns being written, in row order
	ConflictKeys []string // columns forming the unique constraint
	UpdateCols   []string // columns updated on conflict; nil means all non-key columns
}

// BulkUpsert COPYs rows into a transaction-scoped temp table and merges them
// into the target with INSERT ... ON CONFLICT DO UPDATE. Rows are
// all-or-nothing.
func BulkUpsert(ctx context.Context, pool Pool, cfg UpsertConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if len(cfg.Columns) == 0 {
		return 0, eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return 0, eris.New("db: upsert: no conflict keys specified")
	}

	var affected int64
	err := InTx(ctx, pool, func(tx pgx.Tx) error {
		tmp := tempTableName(cfg.Table)
		create := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
			pgx.Identifier{tmp}.Sanitize(), sanitizeTable(cfg.Table))
		if _, err := tx.Exec(ctx, create); err != nil {
			return eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{tmp}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
			return eris.Wrapf(err, "db: upsert: copy into temp table for %s", cfg.Table)
		}
		tag, err := tx.Exec(ctx, upsertSQL(cfg, tmp))
		if err != nil {
			return eris.Wrapf(err, "db: upsert: merge into %s", cfg.Table)
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func upsertSQL(cfg UpsertConfig, tmp string) string {
	updateCols := cfg.UpdateCols
	if updateCols == nil {
		keys := make(map[string]bool, len(cfg.ConflictKeys))
		for _, k := range cfg.ConflictKeys {
			keys[k] = true
		}
		for _, c := range cfg.Columns {
			if !keys[c] {
				updateCols = append(updateCols, c)
			}
		}
	}

	cols := quoteAndJoin(cfg.Columns)
	action := "DO NOTHING"
	if len(updateCols) > 0 {
		sets := make([]string, len(updateCols))
		for i, c := range updateCols {
			q := pgx.Identifier{c}.Sanitize()
			sets[i] = q + " = EXCLUDED." + q
		}
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		sanitizeTable(cfg.Table), cols, cols, pgx.Identifier{tmp}.Sanitize(),
		quoteAndJoin(cfg.ConflictKeys), action)
}

func tempTableName(table string) string {
	return "_tmp_upsert_" + strings.ReplaceAll(table, ".", "_")
}

// sanitizeTable quotes a possibly schema-qualified table name.
func sanitizeTable(table string) string {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return pgx.Identifier{schema, name}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
