package indicators

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"execution-core/internal/connector"
)

// Spec identifies one indicator output over a candle series. Two specs with
// the same name, params and output always resolve to the same column name,
// so strategy documents and computed frames agree on what they reference.
type Spec struct {
	Name   string             `yaml:"name" json:"name"`
	Params map[string]float64 `yaml:"params" json:"params"`
	Output string             `yaml:"output" json:"output"`
}

// ColumnName returns the canonical column for this spec:
// name_output followed by the params as k_v pairs in sorted key order.
func (s Spec) ColumnName() string {
	parts := []string{strings.ToLower(s.Name), strings.ToLower(s.Output)}
	keys := make([]string, 0, len(s.Params))
	for k := range s.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, strings.ToLower(k), formatParam(s.Params[k]))
	}
	return strings.Join(parts, "_")
}

func formatParam(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// outputs lists the valid output fields per indicator.
var outputs = map[string][]string{
	"sma":  {"value"},
	"ema":  {"value"},
	"rsi":  {"value"},
	"atr":  {"value"},
	"macd": {"macd", "signal", "histogram"},
}

// Validate rejects unknown indicators, unknown outputs and bad params.
func (s Spec) Validate() error {
	name := strings.ToLower(s.Name)
	outs, ok := outputs[name]
	if !ok {
		return fmt.Errorf("unknown indicator %q", s.Name)
	}
	out := strings.ToLower(s.Output)
	valid := false
	for _, o := range outs {
		if o == out {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("indicator %q has no output %q", s.Name, s.Output)
	}
	switch name {
	case "sma", "ema", "rsi", "atr":
		if s.param("period", 0) < 1 {
			return fmt.Errorf("indicator %q requires params.period >= 1", s.Name)
		}
	case "macd":
		fast, slow, signal := s.param("fast", 12), s.param("slow", 26), s.param("signal", 9)
		if fast < 1 || slow < 1 || signal < 1 {
			return fmt.Errorf("indicator macd requires fast, slow and signal >= 1")
		}
		if fast >= slow {
			return fmt.Errorf("indicator macd requires fast < slow")
		}
	}
	return nil
}

// Warmup returns how many bars the spec needs before it produces values.
// Rows inside the warm-up window are NaN.
func (s Spec) Warmup() int {
	switch strings.ToLower(s.Name) {
	case "sma", "ema":
		return int(s.param("period", 1))
	case "rsi", "atr":
		return int(s.param("period", 1)) + 1
	case "macd":
		return int(s.param("slow", 26)) + int(s.param("signal", 9))
	}
	return 1
}

func (s Spec) param(key string, def float64) float64 {
	if v, ok := s.Params[key]; ok {
		return v
	}
	return def
}

// Compute evaluates the spec over candles and returns one value per bar.
// Warm-up rows are NaN so callers can tell "no value yet" from zero.
func Compute(s Spec, candles []connector.Candle) ([]float64, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	switch strings.ToLower(s.Name) {
	case "sma":
		return SMASeries(closes, int(s.param("period", 1))), nil
	case "ema":
		return EMASeries(closes, int(s.param("period", 1))), nil
	case "rsi":
		return RSISeries(closes, int(s.param("period", 14))), nil
	case "atr":
		return ATRSeries(candles, int(s.param("period", 14))), nil
	case "macd":
		macd, signal, hist := MACDSeries(closes,
			int(s.param("fast", 12)), int(s.param("slow", 26)), int(s.param("signal", 9)))
		switch strings.ToLower(s.Output) {
		case "macd":
			return macd, nil
		case "signal":
			return signal, nil
		default:
			return hist, nil
		}
	}
	return nil, fmt.Errorf("unknown indicator %q", s.Name)
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
