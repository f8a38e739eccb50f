package rating

import "math"

// ============================================================================
// GLICKO-2 - Rating maths (Glickman, "Example of the Glicko-2 system")
// ============================================================================

const (
	// glickoScale converts between display ratings and the internal
	// Glicko-2 scale.
	glickoScale = 173.7178

	// systemTau constrains volatility change per rating period.
	systemTau = 0.5

	// convergenceTol terminates the volatility iteration.
	convergenceTol = 1e-6
)

// Rating is one agent's Glicko-2 triplet on the display scale.
type Rating struct {
	Value      float64
	Deviation  float64
	Volatility float64
}

// Outcome is one game against one opponent within the rating period.
// Score is 1 for a win, 0 for a loss, 0.5 for a draw.
type Outcome struct {
	Opponent Rating
	Score    float64
}

// Update applies one Glicko-2 rating period and returns the new triplet.
// With no outcomes the deviation grows by the idle-period rule and the
// rating is unchanged.
func Update(r Rating, outcomes []Outcome) Rating {
	mu := (r.Value - 1500) / glickoScale
	phi := r.Deviation / glickoScale
	sigma := r.Volatility

	if len(outcomes) == 0 {
		phiStar := math.Sqrt(phi*phi + sigma*sigma)
		return Rating{Value: r.Value, Deviation: phiStar * glickoScale, Volatility: sigma}
	}

	var v, deltaSum float64
	for _, o := range outcomes {
		muJ := (o.Opponent.Value - 1500) / glickoScale
		phiJ := o.Opponent.Deviation / glickoScale
		gJ := g(phiJ)
		eJ := e(mu, muJ, phiJ)
		v += gJ * gJ * eJ * (1 - eJ)
		deltaSum += gJ * (o.Score - eJ)
	}
	v = 1 / v
	delta := v * deltaSum

	sigmaPrime := nextVolatility(phi, v, delta, sigma)
	phiStar := math.Sqrt(phi*phi + sigmaPrime*sigmaPrime)
	phiPrime := 1 / math.Sqrt(1/(phiStar*phiStar)+1/v)
	muPrime := mu + phiPrime*phiPrime*deltaSum

	return Rating{
		Value:      muPrime*glickoScale + 1500,
		Deviation:  phiPrime * glickoScale,
		Volatility: sigmaPrime,
	}
}

// g dampens an opponent's influence by their rating uncertainty.
func g(phi float64) float64 {
	return 1 / math.Sqrt(1+3*phi*phi/(math.Pi*math.Pi))
}

// e is the expected score against one opponent.
func e(mu, muJ, phiJ float64) float64 {
	return 1 / (1 + math.Exp(-g(phiJ)*(mu-muJ)))
}

// nextVolatility runs the Illinois-method iteration from step 5 of the
// Glicko-2 paper.
func nextVolatility(phi, v, delta, sigma float64) float64 {
	phi2 := phi * phi
	delta2 := delta * delta
	a := math.Log(sigma * sigma)

	f := func(x float64) float64 {
		ex := math.Exp(x)
		num := ex * (delta2 - phi2 - v - ex)
		den := 2 * (phi2 + v + ex) * (phi2 + v + ex)
		return num/den - (x-a)/(systemTau*systemTau)
	}

	bigA := a
	var bigB float64
	if delta2 > phi2+v {
		bigB = math.Log(delta2 - phi2 - v)
	} else {
		k := 1.0
		for f(a-k*systemTau) < 0 {
			k++
		}
		bigB = a - k*systemTau
	}

	fA, fB := f(bigA), f(bigB)
	for math.Abs(bigB-bigA) > convergenceTol {
		bigC := bigA + (bigA-bigB)*fA/(fB-fA)
		fC := f(bigC)
		if fC*fB < 0 {
			bigA, fA = bigB, fB
		} else {
			fA /= 2
		}
		bigB, fB = bigC, fC
	}
	return math.Exp(bigA / 2)
}
