package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// UpsertCountry inserts or updates a country keyed by its code and returns
// its id.
func (s *Store) UpsertCountry(ctx context.Context, c Country) (int64, error) {
	code := strings.ToUpper(strings.TrimSpace(c.Code))
	if code == "" {
		return 0, errors.New("country code is required")
	}
	var id int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
INSERT INTO countries(name, code, common_foods)
VALUES(?, ?, ?)
ON CONFLICT(code) DO UPDATE SET
  name=excluded.name,
  common_foods=excluded.common_foods
RETURNING id;
`), c.Name, code, c.CommonFoods).Scan(&id)
	return id, err
}

func (s *Store) GetCountry(ctx context.Context, id int64) (Country, bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT id, name, code, common_foods FROM countries WHERE id=?;"), id)
	return scanCountry(row)
}

func (s *Store) GetCountryByCode(ctx context.Context, code string) (Country, bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT id, name, code, common_foods FROM countries WHERE code=?;"),
		strings.ToUpper(strings.TrimSpace(code)))
	return scanCountry(row)
}

func (s *Store) ListCountries(ctx context.Context) ([]Country, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, code, common_foods FROM countries ORDER BY name ASC;")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Country
	for rows.Next() {
		var c Country
		if err := rows.Scan(&c.ID, &c.Name, &c.Code, &c.CommonFoods); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCountry(row *sql.Row) (Country, bool, error) {
	var c Country
	err := row.Scan(&c.ID, &c.Name, &c.Code, &c.CommonFoods)
	if errors.Is(err, sql.ErrNoRows) {
		return Country{}, false, nil
	}
	if err != nil {
		return Country{}, false, err
	}
	return c, true, nil
}
