// Package indicators implements the small set of technical indicators
// the Auto-Sell Monitor and Priority Scheduler rely on: SMA, Wilder's
// RSI, EMA, and the resolved "volatility pressure" formula.
package indicators

import "math"

// SMA returns the n-period simple moving average, aligned to prices.
// Indices before the first full window are NaN.
func SMA(prices []float64, n int) []float64 {
	out := make([]float64, len(prices))
	if n <= 0 || len(prices) == 0 {
		for i := range out {
			out[i] = math.NaN()
		}
		return out
	}
	var sum float64
	for i := range prices {
		sum += prices[i]
		if i >= n {
			sum -= prices[i-n]
		}
		if i >= n-1 {
			out[i] = sum / float64(n)
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

// RSI returns the n-period Relative Strength Index using Wilder's
// smoothing. Indices before the first full window are zero.
func RSI(prices []float64, n int) []float64 {
	out := make([]float64, len(prices))
	if n <= 0 || len(prices) == 0 {
		return out
	}
	var gain, loss float64
	for i := 1; i < len(prices); i++ {
		d := prices[i] - prices[i-1]
		if i <= n {
			if d > 0 {
				gain += d
			} else {
				loss -= d
			}
			if i == n {
				out[i] = rsiFromAvg(gain/float64(n), loss/float64(n))
			}
		} else {
			if d > 0 {
				gain = (gain*float64(n-1) + d) / float64(n)
				loss = (loss * float64(n-1)) / float64(n)
			} else {
				gain = (gain * float64(n-1)) / float64(n)
				loss = (loss*float64(n-1) - d) / float64(n)
			}
			out[i] = rsiFromAvg(gain, loss)
		}
	}
	return out
}

func rsiFromAvg(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}

// EMA returns the n-period exponential moving average, seeded with an
// SMA over the first window.
func EMA(prices []float64, n int) []float64 {
	out := make([]float64, len(prices))
	if n <= 0 || len(prices) == 0 {
		return out
	}
	k := 2.0 / (float64(n) + 1.0)
	var seed float64
	for i := range prices {
		if i < n-1 {
			out[i] = math.NaN()
			seed += prices[i]
			continue
		}
		if i == n-1 {
			seed += prices[i]
			out[i] = seed / float64(n)
			continue
		}
		out[i] = prices[i]*k + out[i-1]*(1-k)
	}
	return out
}

// VolatilityPressure is the single documented formula resolving the
// spec's "volatility pressure" Open Question: pstdev(recent)/min(recent).
// Used by the Auto-Sell Monitor's dynamic-drop scaling and by the
// Priority Scheduler's market-heat volatility input, and nowhere else.
func VolatilityPressure(recent []float64) float64 {
	if len(recent) < 2 {
		return 0
	}
	minV := recent[0]
	var sum float64
	for _, v := range recent {
		sum += v
		if v < minV {
			minV = v
		}
	}
	mean := sum / float64(len(recent))
	var ss float64
	for _, v := range recent {
		d := v - mean
		ss += d * d
	}
	pstdev := math.Sqrt(ss / float64(len(recent)))
	if minV <= 0 {
		return 0
	}
	return pstdev / minV
}

// WelfordAccumulator implements the Welford online mean/variance
// algorithm backing BanditArm.M2 and other running-stat needs.
type WelfordAccumulator struct {
	Count int
	Mean  float64
	M2    float64
}

// Add folds x into the running statistics.
func (w *WelfordAccumulator) Add(x float64) {
	w.Count++
	delta := x - w.Mean
	w.Mean += delta / float64(w.Count)
	delta2 := x - w.Mean
	w.M2 += delta * delta2
}

// Variance returns the sample variance, or 1.0 before two samples.
func (w *WelfordAccumulator) Variance() float64 {
	if w.Count > 1 {
		return w.M2 / float64(w.Count-1)
	}
	return 1.0
}

// StdDev returns the sample standard deviation.
func (w *WelfordAccumulator) StdDev() float64 {
	return math.Sqrt(w.Variance())
}
