package api

import (
	"testing"

	"tool-factory/internal/models"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Unit Converter", "unit-converter"},
		{"  BMI calculator!! ", "bmi-calculator"},
		{"déjà vu tool", "d-j-vu-tool"},
		{"---", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := slugify(tt.in); got != tt.want {
			t.Errorf("slugify(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestReviewTargets(t *testing.T) {
	want := map[string]models.Status{
		"approve":          models.StatusDeploying,
		"reject":           models.StatusRejected,
		"request_revision": models.StatusRevisionRequested,
		"reprocess":        models.StatusProcessing,
	}
	if len(reviewTargets) != len(want) {
		t.Fatalf("review actions = %d, want %d", len(reviewTargets), len(want))
	}
	for action, target := range want {
		if reviewTargets[action] != target {
			t.Errorf("action %s -> %s, want %s", action, reviewTargets[action], target)
		}
	}
}
