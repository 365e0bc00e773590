package strategy

import (
	"fmt"
	"math"
	"strings"

	"execution-core/internal/connector"
	"execution-core/internal/indicators"
)

// Tri is the three-valued evaluation result. Indeterminate marks "not
// enough data", which is distinct from false: a warm-up NaN must never
// trigger or suppress a trade as if it were a real value.
type Tri uint8

const (
	TriFalse Tri = iota
	TriTrue
	TriIndeterminate
)

// IsTrue reports a definite true result.
func (t Tri) IsTrue() bool { return t == TriTrue }

func (t Tri) String() string {
	switch t {
	case TriTrue:
		return "true"
	case TriFalse:
		return "false"
	}
	return "indeterminate"
}

// Frame is the evaluation window: a candle slice plus every computed
// indicator column, aligned row for row.
type Frame struct {
	Symbol    string
	Timeframe string
	Candles   []connector.Candle
	Columns   map[string][]float64
}

// BuildFrame computes every spec over candles and assembles the frame.
func BuildFrame(candles []connector.Candle, specs []indicators.Spec) (*Frame, error) {
	f := &Frame{
		Candles: candles,
		Columns: make(map[string][]float64, len(specs)),
	}
	if len(candles) > 0 {
		f.Symbol = candles[0].Symbol
		f.Timeframe = candles[0].Timeframe
	}
	for _, spec := range specs {
		series, err := indicators.Compute(spec, candles)
		if err != nil {
			return nil, fmt.Errorf("compute %s: %w", spec.ColumnName(), err)
		}
		f.Columns[spec.ColumnName()] = series
	}
	return f, nil
}

// Len returns the number of rows in the frame.
func (f *Frame) Len() int { return len(f.Candles) }

// Last returns the most recent candle in the frame.
func (f *Frame) Last() connector.Candle {
	return f.Candles[len(f.Candles)-1]
}

// At resolves a column value `back` rows from the end (0 = last closed
// bar). Unknown columns are an error; warm-up rows come back as NaN.
func (f *Frame) At(column string, back int) (float64, error) {
	idx := len(f.Candles) - 1 - back
	if idx < 0 {
		return 0, fmt.Errorf("frame has no row %d bars back", back)
	}
	switch column {
	case "open":
		return f.Candles[idx].Open, nil
	case "high":
		return f.Candles[idx].High, nil
	case "low":
		return f.Candles[idx].Low, nil
	case "close":
		return f.Candles[idx].Close, nil
	case "volume":
		return f.Candles[idx].Volume, nil
	}
	series, ok := f.Columns[column]
	if !ok {
		return 0, fmt.Errorf("unknown column %q", column)
	}
	if idx >= len(series) {
		return 0, fmt.Errorf("column %q shorter than frame", column)
	}
	return series[idx], nil
}

func (o *Operand) at(f *Frame, back int) (float64, error) {
	switch {
	case o.Literal != nil:
		return *o.Literal, nil
	case o.Column != "":
		return f.At(o.Column, back)
	case o.Indicator != nil:
		return f.At(o.Indicator.ColumnName(), back)
	}
	return 0, fmt.Errorf("empty operand")
}

// Eval evaluates a validated condition tree against the frame. The result
// is deterministic for identical frames. Combinators use three-valued
// logic: false short-circuits and, true short-circuits or, and
// indeterminate propagates otherwise.
func Eval(c *Condition, f *Frame) (Tri, error) {
	op := strings.ToLower(c.Op)
	switch op {
	case "and":
		result := TriTrue
		for _, child := range c.Conditions {
			r, err := Eval(child, f)
			if err != nil {
				return TriIndeterminate, err
			}
			if r == TriFalse {
				return TriFalse, nil
			}
			if r == TriIndeterminate {
				result = TriIndeterminate
			}
		}
		return result, nil
	case "or":
		result := TriFalse
		for _, child := range c.Conditions {
			r, err := Eval(child, f)
			if err != nil {
				return TriIndeterminate, err
			}
			if r == TriTrue {
				return TriTrue, nil
			}
			if r == TriIndeterminate {
				result = TriIndeterminate
			}
		}
		return result, nil
	case "not":
		r, err := Eval(c.Conditions[0], f)
		if err != nil {
			return TriIndeterminate, err
		}
		switch r {
		case TriTrue:
			return TriFalse, nil
		case TriFalse:
			return TriTrue, nil
		}
		return TriIndeterminate, nil
	case "cross_above", "cross_below", "crosses":
		return evalCross(c, f, op)
	default:
		return evalCompare(c, f, op)
	}
}

func evalCompare(c *Condition, f *Frame, op string) (Tri, error) {
	if f.Len() < 1 {
		return TriIndeterminate, nil
	}
	left, err := c.Left.at(f, 0)
	if err != nil {
		return TriIndeterminate, err
	}
	right, err := c.Right.at(f, 0)
	if err != nil {
		return TriIndeterminate, err
	}
	if math.IsNaN(left) || math.IsNaN(right) {
		return TriIndeterminate, nil
	}
	var ok bool
	switch op {
	case "gt":
		ok = left > right
	case "gte":
		ok = left >= right
	case "lt":
		ok = left < right
	case "lte":
		ok = left <= right
	case "eq":
		ok = left == right
	case "neq":
		ok = left != right
	default:
		return TriIndeterminate, fmt.Errorf("unknown operator %q", op)
	}
	if ok {
		return TriTrue, nil
	}
	return TriFalse, nil
}

// evalCross needs the last two rows: a cross is a strict sign change of
// the left/right relation between the previous and the current bar.
// "crosses" fires in either direction.
func evalCross(c *Condition, f *Frame, op string) (Tri, error) {
	if f.Len() < 2 {
		return TriIndeterminate, nil
	}
	prevL, err := c.Left.at(f, 1)
	if err != nil {
		return TriIndeterminate, err
	}
	prevR, err := c.Right.at(f, 1)
	if err != nil {
		return TriIndeterminate, err
	}
	curL, err := c.Left.at(f, 0)
	if err != nil {
		return TriIndeterminate, err
	}
	curR, err := c.Right.at(f, 0)
	if err != nil {
		return TriIndeterminate, err
	}
	if math.IsNaN(prevL) || math.IsNaN(prevR) || math.IsNaN(curL) || math.IsNaN(curR) {
		return TriIndeterminate, nil
	}
	up := prevL <= prevR && curL > curR
	down := prevL >= prevR && curL < curR
	var crossed bool
	switch op {
	case "cross_above":
		crossed = up
	case "cross_below":
		crossed = down
	default:
		crossed = up || down
	}
	if crossed {
		return TriTrue, nil
	}
	return TriFalse, nil
}
