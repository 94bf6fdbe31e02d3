package twin

import (
	"fmt"

	"github.com/opsloop/controlplane/internal/models"
)

// Supported built-in model types.
const (
	ModelDemand    = "demand"
	ModelCreator   = "creator"
	ModelPricing   = "pricing"
	ModelFraud     = "fraud"
	ModelPayout    = "payout"
	ModelInventory = "inventory"
)

// RegisterBuiltInModels installs the default model set. Each model is a pure
// heuristic over the scenario change map and the baseline metrics; none of
// them mutate shared state.
func (t *Twin) RegisterBuiltInModels() {
	t.RegisterModel(ModelDemand, demandModel)
	t.RegisterModel(ModelCreator, creatorModel)
	t.RegisterModel(ModelPricing, pricingModel)
	t.RegisterModel(ModelFraud, fraudModel)
	t.RegisterModel(ModelPayout, payoutModel)
	t.RegisterModel(ModelInventory, inventoryModel)
}

func metric(baseline models.BusinessState, key string, fallback float64) float64 {
	if v, ok := baseline.Metrics[key]; ok {
		return v
	}
	return fallback
}

// demandModel applies a constant price elasticity of -1.5 to unit volume.
func demandModel(s models.Scenario, b models.BusinessState) models.Prediction {
	priceChange := s.Changes["priceChange"]
	adChange := s.Changes["adSpendChange"]

	units := metric(b, "unitsSold", 0)
	demandShift := -1.5*priceChange + 0.6*adChange
	predictedUnits := units * (1 + demandShift)

	p := models.Prediction{
		Metrics: map[string]float64{
			"unitsSold": predictedUnits,
		},
		Confidence: 0.7,
	}
	if priceChange > 0.03 {
		p.Risks = append(p.Risks, fmt.Sprintf("price increase of %.1f%% may suppress demand", priceChange*100))
	}
	if adChange > 0 && metric(b, "roas", 0) > 0 {
		// diminishing returns on incremental spend
		p.Metrics["roas"] = metric(b, "roas", 0) / (1 + 0.5*adChange)
	}
	return p
}

// creatorModel forecasts creator payouts and retention under commission changes.
func creatorModel(s models.Scenario, b models.BusinessState) models.Prediction {
	commissionChange := s.Changes["commissionChange"]

	retention := metric(b, "creatorRetention", 0.9)
	payouts := metric(b, "creatorPayoutCents", 0)

	p := models.Prediction{
		Metrics: map[string]float64{
			"creatorRetention":   clamp01(retention + 0.4*commissionChange),
			"creatorPayoutCents": payouts * (1 + commissionChange),
		},
		Confidence: 0.6,
	}
	if commissionChange < 0 {
		p.Risks = append(p.Risks, "commission cut risks creator churn")
	} else if commissionChange > 0 {
		p.Opportunities = append(p.Opportunities, "higher commission may attract top creators")
	}
	return p
}

// pricingModel tracks margin under a price change, assuming costs stay fixed.
func pricingModel(s models.Scenario, b models.BusinessState) models.Prediction {
	priceChange := s.Changes["priceChange"]

	margin := metric(b, "marginPercent", 0.2)
	revenue := metric(b, "revenueCents", 0)

	predictedMargin := margin + 0.8*priceChange
	p := models.Prediction{
		Metrics: map[string]float64{
			"marginPercent": predictedMargin,
			"revenueCents":  revenue * (1 + 0.5*priceChange),
		},
		Confidence: 0.75,
	}
	if predictedMargin < 0.15 {
		p.Risks = append(p.Risks, fmt.Sprintf("projected margin %.1f%% under 15%% floor", predictedMargin*100))
	}
	if priceChange < 0 {
		p.Opportunities = append(p.Opportunities, "discount may lift conversion")
	}
	return p
}

// fraudModel assumes aggressive discounts and spend attract more abuse.
func fraudModel(s models.Scenario, b models.BusinessState) models.Prediction {
	priceChange := s.Changes["priceChange"]
	adChange := s.Changes["adSpendChange"]

	rate := metric(b, "fraudRate", 0.01)
	if priceChange < 0 {
		rate += 0.2 * -priceChange * rate
	}
	if adChange > 0 {
		rate += 0.1 * adChange * rate
	}

	p := models.Prediction{
		Metrics:    map[string]float64{"fraudRate": rate},
		Confidence: 0.5,
	}
	if rate > 0.05 {
		p.Risks = append(p.Risks, fmt.Sprintf("fraud rate forecast %.2f%% above 5%% alert line", rate*100))
	}
	return p
}

// payoutModel projects cash runway under payout and spend changes.
func payoutModel(s models.Scenario, b models.BusinessState) models.Prediction {
	payoutChange := s.Changes["payoutChange"]
	adChange := s.Changes["adSpendChange"]

	runway := metric(b, "cashRunwayDays", 0)
	burnShift := 0.5*payoutChange + 0.8*adChange
	predictedRunway := runway
	if burnShift != 0 {
		predictedRunway = runway / (1 + burnShift)
	}

	p := models.Prediction{
		Metrics:    map[string]float64{"cashRunwayDays": predictedRunway},
		Confidence: 0.8,
	}
	if predictedRunway > 0 && predictedRunway < 30 {
		p.Risks = append(p.Risks, fmt.Sprintf("cash runway forecast %.0f days below 30-day guard", predictedRunway))
	}
	return p
}

// inventoryModel flags stockout exposure when demand shifts up.
func inventoryModel(s models.Scenario, b models.BusinessState) models.Prediction {
	priceChange := s.Changes["priceChange"]
	adChange := s.Changes["adSpendChange"]

	cover := metric(b, "inventoryDaysCover", 0)
	demandShift := -1.5*priceChange + 0.6*adChange
	predictedCover := cover
	if demandShift != 0 && cover > 0 {
		predictedCover = cover / (1 + demandShift)
	}

	p := models.Prediction{
		Metrics:    map[string]float64{"inventoryDaysCover": predictedCover},
		Confidence: 0.65,
	}
	if predictedCover > 0 && predictedCover < 7 {
		p.Risks = append(p.Risks, "inventory cover under one week at forecast demand")
	}
	if demandShift < 0 && cover > 45 {
		p.Opportunities = append(p.Opportunities, "excess stock; consider clearance promotion")
	}
	return p
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
