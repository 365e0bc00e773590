package sim

import "execution-core/internal/connector"

// SlippageType selects how slippage is expressed.
type SlippageType string

const (
	SlippageFixed      SlippageType = "fixed"      // absolute price units
	SlippagePercentage SlippageType = "percentage" // percent of the price
)

// CommissionType selects how commission is charged.
type CommissionType string

const (
	CommissionPerTrade CommissionType = "per_trade"
	CommissionPerLot   CommissionType = "per_lot"
)

// TieBreak decides the exit when a bar touches both the stop and the
// target. Intrabar ordering is unknowable from OHLC data, so the policy is
// explicit configuration rather than a hidden assumption.
type TieBreak string

const (
	TieBreakStopFirst     TieBreak = "stop_first"
	TieBreakTargetFirst   TieBreak = "target_first"
	TieBreakNearestToOpen TieBreak = "nearest_to_open"
)

// FillModel prices simulated executions. Spread and slippage are always
// applied against the trade: entries pay up, exits receive less.
type FillModel struct {
	Spread          float64
	SlippageType    SlippageType
	SlippageValue   float64
	CommissionType  CommissionType
	CommissionValue float64
}

// EntryPrice converts an intended entry into the filled price.
func (m FillModel) EntryPrice(side connector.Side, intended float64) float64 {
	adj := m.Spread/2 + m.slippage(intended)
	if side == connector.SideBuy {
		return intended + adj
	}
	return intended - adj
}

// ExitPrice converts an intended exit into the filled price.
func (m FillModel) ExitPrice(side connector.Side, intended float64) float64 {
	adj := m.Spread/2 + m.slippage(intended)
	if side == connector.SideBuy {
		return intended - adj
	}
	return intended + adj
}

func (m FillModel) slippage(price float64) float64 {
	switch m.SlippageType {
	case SlippagePercentage:
		return price * m.SlippageValue / 100
	default:
		return m.SlippageValue
	}
}

// Commission returns the charge for one execution of volume lots.
func (m FillModel) Commission(volume float64) float64 {
	switch m.CommissionType {
	case CommissionPerLot:
		return m.CommissionValue * volume
	default:
		if m.CommissionValue > 0 {
			return m.CommissionValue
		}
		return 0
	}
}
