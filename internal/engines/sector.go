package engines

import (
	"context"
	"sort"

	"github.com/quantfolio/quantfolio/internal/calc"
	"github.com/quantfolio/quantfolio/internal/persistence"
)

// SectorConcentration buckets gross exposure by sector and computes the
// Herfindahl index of the weights. Unclassified positions land in an
// "unclassified" bucket rather than disappearing from the total.
type SectorConcentration struct {
	Deps
}

func (e *SectorConcentration) Name() string { return "sector_concentration" }

func (e *SectorConcentration) Run(_ context.Context, st *State) error {
	gross := make(map[string]float64)
	var total float64

	for _, p := range st.Positions {
		if !st.Priced(p) {
			continue
		}
		sector := p.Sector
		if sector == "" {
			sector = "unclassified"
		}
		value := calc.PositionValue(p, st.Prices[p.Symbol], calc.ValueAbsolute)
		gross[sector] += value
		total += value
	}

	if total == 0 {
		return nil
	}

	sectors := make([]string, 0, len(gross))
	for s := range gross {
		sectors = append(sectors, s)
	}
	sort.Strings(sectors)

	var hhi float64
	for _, sector := range sectors {
		weight := gross[sector] / total
		hhi += weight * weight
		st.Result.Sectors = append(st.Result.Sectors, persistence.SectorWeight{
			PortfolioID: st.Portfolio.ID,
			Date:        st.Date,
			Sector:      sector,
			GrossValue:  gross[sector],
			Weight:      weight,
		})
	}

	st.SectorHHI = hhi
	return nil
}
