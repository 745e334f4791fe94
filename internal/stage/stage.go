// Package stage maps free-text classifier labels onto the five canonical
// diabetic-retinopathy stages.
package stage

import "fmt"

const (
	KeyNoDR          = "no_dr"
	KeyMild          = "mild"
	KeyModerate      = "moderate"
	KeySevere        = "severe"
	KeyProliferative = "proliferative"
)

const unknownLabel = "Unknown Stage"

type Stage struct {
	Key          string `json:"key"`
	Ordinal      int    `json:"ordinal"`
	OrdinalLabel string `json:"ordinal_label"`
	DisplayName  string `json:"display_name"`
	Description  string `json:"description"`
}

// Known is false for the catch-all record returned for unmatched labels.
func (s Stage) Known() bool { return s.Ordinal >= 0 }

var (
	NoDR = newStage(KeyNoDR, 0, "No Diabetic Retinopathy",
		"No signs of diabetic retinopathy detected. Keep up annual eye examinations and good blood sugar control.")
	Mild = newStage(KeyMild, 1, "Mild Non-Proliferative Diabetic Retinopathy",
		"Early stage with minor microaneurysms in the retinal blood vessels. Vision is usually unaffected.")
	Moderate = newStage(KeyModerate, 2, "Moderate Non-Proliferative Diabetic Retinopathy",
		"Moderate stage with blocked vessels that can no longer nourish parts of the retina.")
	Severe = newStage(KeySevere, 3, "Severe Non-Proliferative Diabetic Retinopathy",
		"Advanced stage with many blocked vessels; the retina signals for new vessel growth.")
	Proliferative = newStage(KeyProliferative, 4, "Proliferative Diabetic Retinopathy",
		"Most advanced stage with fragile new vessels that can bleed and threaten vision.")
)

var canonical = []Stage{NoDR, Mild, Moderate, Severe, Proliferative}

func newStage(key string, ordinal int, name, description string) Stage {
	return Stage{
		Key:          key,
		Ordinal:      ordinal,
		OrdinalLabel: fmt.Sprintf("Stage %d", ordinal),
		DisplayName:  name,
		Description:  description,
	}
}

// Stages returns the canonical stages in ordinal order.
func Stages() []Stage {
	return append([]Stage(nil), canonical...)
}

func ByKey(key string) (Stage, bool) {
	for _, s := range canonical {
		if s.Key == key {
			return s, true
		}
	}
	return Stage{}, false
}

// ValidKey reports whether key names one of the canonical stages.
func ValidKey(key string) bool {
	_, ok := ByKey(key)
	return ok
}
