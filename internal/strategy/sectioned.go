package strategy

import (
	"fmt"
	"math"

	"execution-core/internal/connector"
	"execution-core/internal/indicators"
)

func init() {
	Register("sectioned", newSectioned)
}

// sectioned is the built-in declarative strategy: entry/exit condition
// trees per side plus risk-driven stop placement.
type sectioned struct {
	spec   *Spec
	inds   []indicators.Spec
	warmup int
}

func newSectioned(spec *Spec) (Strategy, error) {
	return &sectioned{
		spec:   spec,
		inds:   spec.Indicators(),
		warmup: spec.Warmup(),
	}, nil
}

func (s *sectioned) Name() string                  { return s.spec.Name }
func (s *sectioned) Warmup() int                   { return s.warmup }
func (s *sectioned) Indicators() []indicators.Spec { return s.inds }

// OnBarClose evaluates exits before entries so a flip signal closes the
// old exposure on the same bar it opens the new one.
func (s *sectioned) OnBarClose(f *Frame) ([]Action, error) {
	if f.Len() < s.warmup {
		return nil, nil
	}

	var actions []Action

	if hit, err := s.eval(s.spec.Exit.Long, f); err != nil {
		return nil, err
	} else if hit {
		actions = append(actions, Action{
			Type: ActionClose, Symbol: f.Symbol, Side: connector.SideBuy, Reason: "EXIT_LONG",
		})
	}
	if hit, err := s.eval(s.spec.Exit.Short, f); err != nil {
		return nil, err
	} else if hit {
		actions = append(actions, Action{
			Type: ActionClose, Symbol: f.Symbol, Side: connector.SideSell, Reason: "EXIT_SHORT",
		})
	}

	if hit, err := s.eval(s.spec.Entry.Long, f); err != nil {
		return nil, err
	} else if hit {
		if a, ok := s.open(f, connector.SideBuy); ok {
			actions = append(actions, a)
		}
	}
	if hit, err := s.eval(s.spec.Entry.Short, f); err != nil {
		return nil, err
	} else if hit {
		if a, ok := s.open(f, connector.SideSell); ok {
			actions = append(actions, a)
		}
	}

	return actions, nil
}

func (s *sectioned) eval(c *Condition, f *Frame) (bool, error) {
	if c == nil {
		return false, nil
	}
	r, err := Eval(c, f)
	if err != nil {
		return false, fmt.Errorf("evaluate %s: %w", s.spec.Name, err)
	}
	return r.IsTrue(), nil
}

// open builds the OPEN action with absolute protective prices derived from
// the last close. Returns ok=false when the stop distance is not yet
// computable (ATR still warming up).
func (s *sectioned) open(f *Frame, side connector.Side) (Action, bool) {
	dist := s.stopDistance(f)
	if dist <= 0 || math.IsNaN(dist) {
		return Action{}, false
	}
	last := f.Last().Close
	var sl, tp float64
	if side == connector.SideBuy {
		sl = last - dist
		if s.spec.Risk.RewardRatio > 0 {
			tp = last + dist*s.spec.Risk.RewardRatio
		}
	} else {
		sl = last + dist
		if s.spec.Risk.RewardRatio > 0 {
			tp = last - dist*s.spec.Risk.RewardRatio
		}
	}
	reason := "ENTRY_LONG"
	if side == connector.SideSell {
		reason = "ENTRY_SHORT"
	}
	return Action{
		Type:       ActionOpen,
		Symbol:     f.Symbol,
		Side:       side,
		StopLoss:   sl,
		TakeProfit: tp,
		Reason:     reason,
	}, true
}

func (s *sectioned) stopDistance(f *Frame) float64 {
	r := s.spec.Risk
	if r.StopPoints > 0 {
		return r.StopPoints
	}
	if r.ATRPeriod >= 1 && r.ATRMult > 0 {
		spec := indicators.Spec{
			Name:   "atr",
			Params: map[string]float64{"period": float64(r.ATRPeriod)},
			Output: "value",
		}
		if v, err := f.At(spec.ColumnName(), 0); err == nil {
			return v * r.ATRMult
		}
	}
	return 0
}
