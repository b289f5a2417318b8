package market

import (
	"math"
	mathrand "math/rand"
)

const (
	minPrice = int64(100)
	maxPrice = int64(100_000_000)
)

// PriceSeries keeps the per-company, per-round price history of one
// session. The series is append-only: round N's price never changes once
// published, so charts and the average-price oracle can replay it.
type PriceSeries struct {
	series map[string][]int64
}

func newPriceSeries(companies []CompanyConfig) *PriceSeries {
	s := make(map[string][]int64, len(companies))
	for _, c := range companies {
		s[c.Name] = []int64{c.InitialPrice}
	}
	return &PriceSeries{series: s}
}

func (p *PriceSeries) Price(company string, round int) (int64, error) {
	hist, ok := p.series[company]
	if !ok {
		return 0, ErrCompanyNotFound
	}
	if round < 0 || round >= len(hist) {
		return 0, ErrRoundOutOfRange
	}
	return hist[round], nil
}

func (p *PriceSeries) current(company string) (int64, error) {
	hist, ok := p.series[company]
	if !ok {
		return 0, ErrCompanyNotFound
	}
	return hist[len(hist)-1], nil
}

// advance appends the next round's price for every company and returns
// the new prices keyed by company.
func (p *PriceSeries) advance(rng *mathrand.Rand, dyn marketDynamics) map[string]int64 {
	out := make(map[string]int64, len(p.series))
	for company, hist := range p.series {
		price := hist[len(hist)-1]
		ret := dyn.Drift + dyn.NoiseScale*normalish(rng.Float64())
		if rng.Float64() < dyn.ShockProb {
			ret += signedShock(rng.Float64(), rng.Float64(), dyn.ShockScale)
		}
		next := nextPrice(price, ret, dyn.MaxDropPerRound)
		p.series[company] = append(hist, next)
		out[company] = next
	}
	return out
}

func (p *PriceSeries) snapshot() map[string][]int64 {
	out := make(map[string][]int64, len(p.series))
	for company, hist := range p.series {
		out[company] = append([]int64(nil), hist...)
	}
	return out
}

func (p *PriceSeries) currentAll() map[string]int64 {
	out := make(map[string]int64, len(p.series))
	for company, hist := range p.series {
		out[company] = hist[len(hist)-1]
	}
	return out
}

type marketDynamics struct {
	Drift           float64
	NoiseScale      float64
	ShockProb       float64
	ShockScale      float64
	MaxDropPerRound float64
}

func volatilityParams(mode string) marketDynamics {
	switch mode {
	case "calm":
		return marketDynamics{
			Drift:           0.004,
			NoiseScale:      0.06,
			ShockProb:       0.05,
			ShockScale:      0.12,
			MaxDropPerRound: 0.35,
		}
	case "wild":
		return marketDynamics{
			Drift:           0.000,
			NoiseScale:      0.18,
			ShockProb:       0.20,
			ShockScale:      0.45,
			MaxDropPerRound: 0.90,
		}
	default: // mor
		return marketDynamics{
			Drift:           0.002,
			NoiseScale:      0.11,
			ShockProb:       0.12,
			ShockScale:      0.28,
			MaxDropPerRound: 0.60,
		}
	}
}

func normalish(seed float64) float64 {
	return seed + seed - 1
}

func signedShock(magSeed, signSeed, base float64) float64 {
	mag := base * (0.35 + 2.8*magSeed*magSeed)
	if signSeed < 0.5 {
		return -mag
	}
	return mag
}

func nextPrice(price int64, ret, maxDropPerRound float64) int64 {
	if price <= 0 {
		return minPrice
	}
	// Bound only the downside; upside can run.
	if ret < -maxDropPerRound {
		ret = -maxDropPerRound
	}
	next := int64(math.Round(float64(price) * math.Exp(ret)))
	if next < minPrice {
		next = minPrice
	}
	if next > maxPrice {
		next = maxPrice
	}
	return next
}
