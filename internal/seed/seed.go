// Package seed loads reference data (countries and dietary
// recommendations) from a YAML file into the store.
package seed

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Brownie44l1/retina-api/internal/stage"
	"github.com/Brownie44l1/retina-api/internal/store"
)

type File struct {
	Countries       []store.Country  `yaml:"countries"`
	Recommendations []Recommendation `yaml:"recommendations"`
}

// Recommendation references its country by code; an empty code is the
// country-less record for the condition.
type Recommendation struct {
	Condition              string `yaml:"condition"`
	Country                string `yaml:"country"`
	Default                bool   `yaml:"default"`
	MorningFoods           string `yaml:"morning_foods"`
	MiddayFoods            string `yaml:"midday_foods"`
	EveningFoods           string `yaml:"evening_foods"`
	SnackFoods             string `yaml:"snack_foods"`
	FoodsToAvoid           string `yaml:"foods_to_avoid"`
	GeneralAdvice          string `yaml:"general_advice"`
	EyeExercises           string `yaml:"eye_exercises"`
	EyeCareRecommendations string `yaml:"eye_care_recommendations"`
}

type Store interface {
	UpsertCountry(ctx context.Context, c store.Country) (int64, error)
	UpsertRecommendation(ctx context.Context, r store.Recommendation) (int64, error)
}

func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read seed file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("parse seed file %s: %w", path, err)
	}
	if err := f.Validate(); err != nil {
		return File{}, fmt.Errorf("seed file %s: %w", path, err)
	}
	return f, nil
}

func (f File) Validate() error {
	codes := map[string]bool{}
	for i, c := range f.Countries {
		code := strings.ToUpper(strings.TrimSpace(c.Code))
		if code == "" || strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("country #%d: name and code are required", i+1)
		}
		if codes[code] {
			return fmt.Errorf("country %s listed twice", code)
		}
		codes[code] = true
	}

	seen := map[string]bool{}
	for i, r := range f.Recommendations {
		if !stage.ValidKey(r.Condition) {
			return fmt.Errorf("recommendation #%d: unknown condition %q", i+1, r.Condition)
		}
		country := strings.ToUpper(strings.TrimSpace(r.Country))
		if country != "" && !codes[country] {
			return fmt.Errorf("recommendation #%d: unknown country %q", i+1, r.Country)
		}
		key := r.Condition + "/" + country
		if seen[key] {
			return fmt.Errorf("recommendation #%d: duplicate entry for %s", i+1, key)
		}
		seen[key] = true
	}
	return nil
}

// Apply upserts the file contents; running it twice changes nothing.
func (f File) Apply(ctx context.Context, s Store) (Summary, error) {
	var sum Summary
	ids := map[string]int64{}
	for _, c := range f.Countries {
		id, err := s.UpsertCountry(ctx, c)
		if err != nil {
			return sum, fmt.Errorf("seed country %s: %w", c.Code, err)
		}
		ids[strings.ToUpper(strings.TrimSpace(c.Code))] = id
		sum.Countries++
	}

	for _, r := range f.Recommendations {
		rec := store.Recommendation{
			Condition:              r.Condition,
			IsDefault:              r.Default,
			MorningFoods:           r.MorningFoods,
			MiddayFoods:            r.MiddayFoods,
			EveningFoods:           r.EveningFoods,
			SnackFoods:             r.SnackFoods,
			FoodsToAvoid:           r.FoodsToAvoid,
			GeneralAdvice:          r.GeneralAdvice,
			EyeExercises:           r.EyeExercises,
			EyeCareRecommendations: r.EyeCareRecommendations,
		}
		if code := strings.ToUpper(strings.TrimSpace(r.Country)); code != "" {
			id := ids[code]
			rec.CountryID = &id
		}
		if _, err := s.UpsertRecommendation(ctx, rec); err != nil {
			return sum, fmt.Errorf("seed %s recommendation: %w", r.Condition, err)
		}
		sum.Recommendations++
	}
	return sum, nil
}

type Summary struct {
	Countries       int
	Recommendations int
}
