package pricing

import (
	"testing"
	"time"

	"github.com/example/pickup-matching/internal/models"
)

func TestRecommendBySizeAndDistance(t *testing.T) {
	a := NewAdvisor(time.Minute)
	cases := []struct {
		t    models.PackageType
		km   float64
		want int
	}{
		{models.TypeSmall, 1, 15},
		{models.TypeMedium, 1, 20},
		{models.TypeLarge, 1, 30},
		{models.TypeSmall, 6, 25},
		{models.TypeLarge, 10, 40},
	}
	for _, c := range cases {
		r := a.Recommend(c.t, c.km)
		if r.Price != c.want {
			t.Fatalf("%s over %.1f km: expected %d, got %d", c.t, c.km, c.want, r.Price)
		}
		if r.Reason == "" {
			t.Fatal("recommendation must explain itself")
		}
	}
}

func TestRecommendationCached(t *testing.T) {
	a := NewAdvisor(time.Minute)
	first := a.Recommend(models.TypeMedium, 2)
	second := a.Recommend(models.TypeMedium, 2)
	if first != second {
		t.Fatalf("cached recommendation must be stable: %+v vs %+v", first, second)
	}
	if len(a.cache) != 1 {
		t.Fatalf("expected one cache entry, got %d", len(a.cache))
	}
}
