package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CreateTest persists a classification outcome. CreatedAt defaults to now.
func (s *Store) CreateTest(ctx context.Context, t TestRecord) (TestRecord, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.CreatedAt = t.CreatedAt.UTC()

	err := s.db.QueryRowContext(ctx, s.rebind(`
INSERT INTO retinopathy_tests(image_ref, result, confidence, created_at)
VALUES(?, ?, ?, ?)
RETURNING id;
`), t.ImageRef, t.Result, t.Confidence, t.CreatedAt).Scan(&t.ID)
	if err != nil {
		return TestRecord{}, err
	}
	return t, nil
}

func (s *Store) GetTest(ctx context.Context, id int64) (TestRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT id, image_ref, result, confidence, created_at FROM retinopathy_tests WHERE id=?;"), id)
	var t TestRecord
	err := row.Scan(&t.ID, &t.ImageRef, &t.Result, &t.Confidence, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return TestRecord{}, false, nil
	}
	if err != nil {
		return TestRecord{}, false, err
	}
	return t, true, nil
}

// ListRecentTests returns up to limit records, newest first.
func (s *Store) ListRecentTests(ctx context.Context, limit int) ([]TestRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id, image_ref, result, confidence, created_at
FROM retinopathy_tests
ORDER BY created_at DESC, id DESC
LIMIT ?;
`), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTests(rows)
}

// ListTestsBefore returns records created before cutoff, oldest first.
func (s *Store) ListTestsBefore(ctx context.Context, cutoff time.Time) ([]TestRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
SELECT id, image_ref, result, confidence, created_at
FROM retinopathy_tests
WHERE created_at < ?
ORDER BY created_at ASC, id ASC;
`), cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTests(rows)
}

// DeleteTest removes a record and returns it so the caller can release the
// stored image. found is false when no such record exists.
func (s *Store) DeleteTest(ctx context.Context, id int64) (TestRecord, bool, error) {
	t, found, err := s.GetTest(ctx, id)
	if err != nil || !found {
		return TestRecord{}, found, err
	}
	if _, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM retinopathy_tests WHERE id=?;"), id); err != nil {
		return TestRecord{}, false, err
	}
	return t, true, nil
}

func scanTests(rows *sql.Rows) ([]TestRecord, error) {
	var out []TestRecord
	for rows.Next() {
		var t TestRecord
		if err := rows.Scan(&t.ID, &t.ImageRef, &t.Result, &t.Confidence, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
