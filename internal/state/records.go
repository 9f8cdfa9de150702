package state

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
)

// Record operations

// Get retrieves a record. Expired rows are reported as absent.
func (db *DB) Get(ctx context.Context, ns, key string) (Record, bool, error) {
	row := db.queryRowContext(ctx, `
		SELECT value, created_at, expires_at
		FROM records WHERE namespace = ? AND key = ?
	`, ns, key)

	rec := Record{Namespace: ns, Key: key}
	var createdAt, expiresAt int64
	err := row.Scan(&rec.Value, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get record: %w", err)
	}
	rec.CreatedAt = fromNanos(createdAt)
	rec.ExpiresAt = fromNanos(expiresAt)
	if rec.Expired(db.now()) {
		return Record{}, false, nil
	}

	attrs, err := db.attrs(ctx, ns, key)
	if err != nil {
		return Record{}, false, err
	}
	rec.Attrs = attrs
	return rec, true, nil
}

// Set inserts or replaces a record and its attributes.
func (db *DB) Set(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = db.now()
	}
	if rec.Value == nil {
		rec.Value = []byte{}
	}

	err := db.transaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO records (namespace, key, value, created_at, expires_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(namespace, key) DO UPDATE SET
				value = excluded.value,
				created_at = excluded.created_at,
				expires_at = excluded.expires_at
		`, rec.Namespace, rec.Key, rec.Value, toNanos(rec.CreatedAt), toNanos(rec.ExpiresAt))
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM record_attrs WHERE namespace = ? AND key = ?", rec.Namespace, rec.Key); err != nil {
			return err
		}
		for name, value := range rec.Attrs {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO record_attrs (namespace, key, name, value) VALUES (?, ?, ?, ?)
			`, rec.Namespace, rec.Key, name, value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set record: %w", err)
	}
	return nil
}

// Delete deletes a record. Deleting an absent record is not an error.
func (db *DB) Delete(ctx context.Context, ns, key string) error {
	_, err := db.execContext(ctx, "DELETE FROM records WHERE namespace = ? AND key = ?", ns, key)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

// Query lists unexpired records in a namespace, newest first.
// A non-positive limit returns every match.
func (db *DB) Query(ctx context.Context, ns string, f Filter, limit int) ([]Record, error) {
	var b strings.Builder
	args := []any{ns, toNanos(db.now())}

	b.WriteString(`
		SELECT r.key, r.value, r.created_at, r.expires_at
		FROM records r
		WHERE r.namespace = ? AND (r.expires_at = 0 OR r.expires_at >= ?)`)

	names := make([]string, 0, len(f.Attrs))
	for name := range f.Attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteString(`
		AND EXISTS (SELECT 1 FROM record_attrs a
			WHERE a.namespace = r.namespace AND a.key = r.key AND a.name = ? AND a.value = ?)`)
		args = append(args, name, f.Attrs[name])
	}

	b.WriteString("\n\t\tORDER BY r.created_at DESC, r.key")
	if limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	rows, err := db.queryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec := Record{Namespace: ns}
		var createdAt, expiresAt int64
		if err := rows.Scan(&rec.Key, &rec.Value, &createdAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.CreatedAt = fromNanos(createdAt)
		rec.ExpiresAt = fromNanos(expiresAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}

	for i := range records {
		attrs, err := db.attrs(ctx, ns, records[i].Key)
		if err != nil {
			return nil, err
		}
		records[i].Attrs = attrs
	}
	return records, nil
}

// PurgeExpired deletes expired records and returns how many were removed.
func (db *DB) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := db.execContext(ctx, `
		DELETE FROM records WHERE expires_at > 0 AND expires_at < ?
	`, toNanos(db.now()))
	if err != nil {
		return 0, fmt.Errorf("purge expired records: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}

func (db *DB) attrs(ctx context.Context, ns, key string) (map[string]string, error) {
	rows, err := db.queryContext(ctx,
		"SELECT name, value FROM record_attrs WHERE namespace = ? AND key = ?", ns, key)
	if err != nil {
		return nil, fmt.Errorf("load record attrs: %w", err)
	}
	defer rows.Close()

	var attrs map[string]string
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("scan record attr: %w", err)
		}
		if attrs == nil {
			attrs = make(map[string]string)
		}
		attrs[name] = value
	}
	return attrs, rows.Err()
}
