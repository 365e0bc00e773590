package indicators

// SMASeries calculates the simple moving average at every bar. Rows before
// the first full window are NaN.
func SMASeries(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// EMASeries calculates an exponential moving average seeded with the SMA of
// the first period values.
func EMASeries(values []float64, period int) []float64 {
	out := nanSeries(len(values))
	if period <= 0 || len(values) < period {
		return out
	}
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += values[i]
	}
	alpha := 2.0 / float64(period+1)
	ema := sum / float64(period)
	out[period-1] = ema
	for i := period; i < len(values); i++ {
		ema = (values[i]-ema)*alpha + ema
		out[i] = ema
	}
	return out
}

// MACDSeries returns the MACD line, its signal line and the histogram.
func MACDSeries(values []float64, fast, slow, signal int) (macd, signalLine, histogram []float64) {
	n := len(values)
	macd, signalLine, histogram = nanSeries(n), nanSeries(n), nanSeries(n)
	if fast <= 0 || slow <= fast || signal <= 0 || n < slow {
		return
	}
	fastEMA := EMASeries(values, fast)
	slowEMA := EMASeries(values, slow)
	for i := slow - 1; i < n; i++ {
		macd[i] = fastEMA[i] - slowEMA[i]
	}
	// Signal is an EMA over the MACD line, seeded after the slow warm-up.
	start := slow - 1
	if n-start < signal {
		return
	}
	sum := 0.0
	for i := start; i < start+signal; i++ {
		sum += macd[i]
	}
	alpha := 2.0 / float64(signal+1)
	ema := sum / float64(signal)
	signalLine[start+signal-1] = ema
	histogram[start+signal-1] = macd[start+signal-1] - ema
	for i := start + signal; i < n; i++ {
		ema = (macd[i]-ema)*alpha + ema
		signalLine[i] = ema
		histogram[i] = macd[i] - ema
	}
	return
}
