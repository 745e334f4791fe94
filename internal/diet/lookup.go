// Package diet selects the dietary recommendation for a stage and country.
package diet

import (
	"context"
	"fmt"

	"github.com/Brownie44l1/retina-api/internal/store"
)

// Repository is the slice of the store the lookup reads from.
type Repository interface {
	FindRecommendation(ctx context.Context, condition string, countryID int64) (*store.Recommendation, error)
	FindDefaultRecommendation(ctx context.Context, condition string) (*store.Recommendation, error)
}

type Lookup struct {
	repo Repository
}

func NewLookup(repo Repository) *Lookup {
	return &Lookup{repo: repo}
}

// Find prefers the country-specific record and falls back to the default
// record for stageKey. A miss is (nil, nil); errors are storage failures.
func (l *Lookup) Find(ctx context.Context, stageKey string, country *store.Country) (*store.Recommendation, error) {
	if country != nil {
		rec, err := l.repo.FindRecommendation(ctx, stageKey, country.ID)
		if err != nil {
			return nil, fmt.Errorf("find %s recommendation for %s: %w", stageKey, country.Code, err)
		}
		if rec != nil {
			return rec, nil
		}
	}

	rec, err := l.repo.FindDefaultRecommendation(ctx, stageKey)
	if err != nil {
		return nil, fmt.Errorf("find default %s recommendation: %w", stageKey, err)
	}
	return rec, nil
}
