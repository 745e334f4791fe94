package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const recommendationColumns = `id, condition, country_id, is_default,
  morning_foods, midday_foods, evening_foods, snack_foods,
  foods_to_avoid, general_advice, eye_exercises, eye_care_recommendations`

// UpsertRecommendation keeps at most one record per (condition, country);
// a nil CountryID addresses the country-less record for the condition.
func (s *Store) UpsertRecommendation(ctx context.Context, r Recommendation) (int64, error) {
	if r.Condition == "" {
		return 0, errors.New("recommendation condition is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var existing int64
	if r.CountryID == nil {
		err = tx.QueryRowContext(ctx, s.rebind(
			"SELECT id FROM dietary_recommendations WHERE condition=? AND country_id IS NULL;"),
			r.Condition).Scan(&existing)
	} else {
		err = tx.QueryRowContext(ctx, s.rebind(
			"SELECT id FROM dietary_recommendations WHERE condition=? AND country_id=?;"),
			r.Condition, *r.CountryID).Scan(&existing)
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("find recommendation: %w", err)
	}

	if existing != 0 {
		_, err = tx.ExecContext(ctx, s.rebind(`
UPDATE dietary_recommendations SET
  is_default=?, morning_foods=?, midday_foods=?, evening_foods=?, snack_foods=?,
  foods_to_avoid=?, general_advice=?, eye_exercises=?, eye_care_recommendations=?
WHERE id=?;
`), r.IsDefault, r.MorningFoods, r.MiddayFoods, r.EveningFoods, r.SnackFoods,
			r.FoodsToAvoid, r.GeneralAdvice, r.EyeExercises, r.EyeCareRecommendations, existing)
		if err != nil {
			return 0, fmt.Errorf("update recommendation: %w", err)
		}
		return existing, tx.Commit()
	}

	var id int64
	err = tx.QueryRowContext(ctx, s.rebind(`
INSERT INTO dietary_recommendations(condition, country_id, is_default,
  morning_foods, midday_foods, evening_foods, snack_foods,
  foods_to_avoid, general_advice, eye_exercises, eye_care_recommendations)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id;
`), r.Condition, r.CountryID, r.IsDefault, r.MorningFoods, r.MiddayFoods, r.EveningFoods, r.SnackFoods,
		r.FoodsToAvoid, r.GeneralAdvice, r.EyeExercises, r.EyeCareRecommendations).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert recommendation: %w", err)
	}
	return id, tx.Commit()
}

// FindRecommendation returns the record for condition in one country.
func (s *Store) FindRecommendation(ctx context.Context, condition string, countryID int64) (*Recommendation, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT "+recommendationColumns+" FROM dietary_recommendations WHERE condition=? AND country_id=? ORDER BY id LIMIT 1;"),
		condition, countryID)
	return scanRecommendation(row)
}

// FindDefaultRecommendation returns the fallback record for condition.
func (s *Store) FindDefaultRecommendation(ctx context.Context, condition string) (*Recommendation, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT "+recommendationColumns+" FROM dietary_recommendations WHERE condition=? AND is_default=? ORDER BY id LIMIT 1;"),
		condition, true)
	return scanRecommendation(row)
}

func (s *Store) ListRecommendations(ctx context.Context) ([]Recommendation, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+recommendationColumns+" FROM dietary_recommendations ORDER BY condition ASC, id ASC;")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recommendation
	for rows.Next() {
		r, err := scanRecommendationRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecommendationRow(row scanner) (Recommendation, error) {
	var r Recommendation
	err := row.Scan(&r.ID, &r.Condition, &r.CountryID, &r.IsDefault,
		&r.MorningFoods, &r.MiddayFoods, &r.EveningFoods, &r.SnackFoods,
		&r.FoodsToAvoid, &r.GeneralAdvice, &r.EyeExercises, &r.EyeCareRecommendations)
	return r, err
}

// scanRecommendation maps a missing row to (nil, nil).
func scanRecommendation(row *sql.Row) (*Recommendation, error) {
	r, err := scanRecommendationRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}
