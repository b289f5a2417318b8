package market

import (
	"errors"
	"math"
	mathrand "math/rand"
	"testing"
)

func TestPriceSeriesAppendOnly(t *testing.T) {
	companies := []CompanyConfig{
		{Name: "Cat Planning", InitialPrice: 100_000, Supply: 30},
		{Name: "Octopus Telecom", InitialPrice: 100_000, Supply: 30},
	}
	series := newPriceSeries(companies)
	rng := mathrand.New(mathrand.NewSource(7))
	dyn := volatilityParams("mor")

	first, err := series.Price("Cat Planning", 0)
	if err != nil {
		t.Fatalf("round 0: %v", err)
	}
	for i := 0; i < 5; i++ {
		series.advance(rng, dyn)
	}
	again, err := series.Price("Cat Planning", 0)
	if err != nil {
		t.Fatalf("round 0 after advances: %v", err)
	}
	if first != again {
		t.Fatalf("published price changed: %d -> %d", first, again)
	}
	for round := 0; round <= 5; round++ {
		if _, err := series.Price("Octopus Telecom", round); err != nil {
			t.Fatalf("round %d should exist: %v", round, err)
		}
	}
}

func TestPriceSeriesBounds(t *testing.T) {
	series := newPriceSeries([]CompanyConfig{{Name: "Cat Planning", InitialPrice: 100_000, Supply: 30}})
	if _, err := series.Price("Nope Inc", 0); !errors.Is(err, ErrCompanyNotFound) {
		t.Fatalf("got %v want ErrCompanyNotFound", err)
	}
	if _, err := series.Price("Cat Planning", 1); !errors.Is(err, ErrRoundOutOfRange) {
		t.Fatalf("got %v want ErrRoundOutOfRange", err)
	}
	if _, err := series.Price("Cat Planning", -1); !errors.Is(err, ErrRoundOutOfRange) {
		t.Fatalf("got %v want ErrRoundOutOfRange", err)
	}
}

func TestNextPriceClamps(t *testing.T) {
	if got := nextPrice(200, -10, 0.95); got < minPrice {
		t.Fatalf("floor broken: %d", got)
	}
	if got := nextPrice(maxPrice, 5, 0.6); got != maxPrice {
		t.Fatalf("ceiling broken: %d", got)
	}

	// Downside per round is bounded, upside is not.
	want := int64(math.Round(100_000 * math.Exp(-0.35)))
	if got := nextPrice(100_000, -5, 0.35); got != want {
		t.Fatalf("drop clamp got=%d want=%d", got, want)
	}
	if got := nextPrice(100_000, 1.0, 0.35); got <= 100_000 {
		t.Fatalf("upside should run: %d", got)
	}
}

func TestVolatilityParamsOrdering(t *testing.T) {
	calm := volatilityParams("calm")
	mor := volatilityParams("mor")
	wild := volatilityParams("wild")
	if !(calm.NoiseScale < mor.NoiseScale && mor.NoiseScale < wild.NoiseScale) {
		t.Fatalf("noise should grow with volatility: %v %v %v", calm.NoiseScale, mor.NoiseScale, wild.NoiseScale)
	}
	if unknown := volatilityParams("whatever"); unknown != mor {
		t.Fatalf("unknown mode should fall back to mor")
	}
}

func TestAdvanceStaysWithinBounds(t *testing.T) {
	series := newPriceSeries([]CompanyConfig{{Name: "Cat Planning", InitialPrice: 100_000, Supply: 30}})
	rng := mathrand.New(mathrand.NewSource(42))
	dyn := volatilityParams("wild")
	for i := 0; i < 200; i++ {
		prices := series.advance(rng, dyn)
		p := prices["Cat Planning"]
		if p < minPrice || p > maxPrice {
			t.Fatalf("price escaped bounds at step %d: %d", i, p)
		}
	}
}
