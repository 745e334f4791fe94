package store

import (
	"fmt"
	"strings"
	"time"
)

type Country struct {
	ID          int64  `json:"id" yaml:"-"`
	Name        string `json:"name" yaml:"name"`
	Code        string `json:"code" yaml:"code"`
	CommonFoods string `json:"common_foods" yaml:"common_foods"`
}

// CommonFoodsPreview truncates the foods list for listings.
func (c Country) CommonFoodsPreview(limit int) string {
	if limit <= 0 || len([]rune(c.CommonFoods)) <= limit {
		return c.CommonFoods
	}
	return string([]rune(c.CommonFoods)[:limit]) + "..."
}

type Recommendation struct {
	ID                     int64  `json:"id"`
	Condition              string `json:"condition"`
	CountryID              *int64 `json:"country_id"`
	IsDefault              bool   `json:"is_default"`
	MorningFoods           string `json:"morning_foods"`
	MiddayFoods            string `json:"midday_foods"`
	EveningFoods           string `json:"evening_foods"`
	SnackFoods             string `json:"snack_foods"`
	FoodsToAvoid           string `json:"foods_to_avoid"`
	GeneralAdvice          string `json:"general_advice"`
	EyeExercises           string `json:"eye_exercises"`
	EyeCareRecommendations string `json:"eye_care_recommendations"`
}

// FoodItemCount counts comma separated items across the four meal slots.
func (r Recommendation) FoodItemCount() int {
	n := 0
	for _, meal := range []string{r.MorningFoods, r.MiddayFoods, r.EveningFoods, r.SnackFoods} {
		if strings.TrimSpace(meal) == "" {
			continue
		}
		n += len(strings.Split(meal, ","))
	}
	return n
}

type TestRecord struct {
	ID         int64     `json:"id"`
	ImageRef   string    `json:"image_ref,omitempty"`
	Result     string    `json:"result"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"created_at"`
}

func (t TestRecord) ConfidencePercent() string {
	return fmt.Sprintf("%.2f%%", t.Confidence*100)
}
