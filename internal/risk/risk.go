package risk

import (
	"fmt"
	"math"
	"strings"
	"time"

	"execution-core/internal/connector"
)

// Settings holds the per-run sizing and exposure limits shared by the live
// gateway and the simulator.
type Settings struct {
	FixedLot    float64 `yaml:"fixed_lot" json:"fixed_lot"`
	RiskPercent float64 `yaml:"risk_percent" json:"risk_percent"`

	// Stop placement. StopPoints wins when both are set.
	StopPoints float64 `yaml:"stop_points" json:"stop_points"`
	ATRPeriod  int     `yaml:"atr_period" json:"atr_period"`
	ATRMult    float64 `yaml:"atr_mult" json:"atr_mult"`

	// RewardRatio derives the take profit as a multiple of the stop
	// distance. Zero means no take profit.
	RewardRatio float64 `yaml:"rr" json:"rr"`

	MaxOpenPositions int     `yaml:"max_open_positions" json:"max_open_positions"`
	DailyLossPct     float64 `yaml:"daily_loss_pct" json:"daily_loss_pct"`
}

// Validate rejects settings that cannot size or cap a position.
func (s Settings) Validate() error {
	if s.FixedLot < 0 || s.RiskPercent < 0 {
		return fmt.Errorf("negative sizing settings")
	}
	if s.FixedLot == 0 && s.RiskPercent == 0 {
		return fmt.Errorf("either fixed_lot or risk_percent must be set")
	}
	if s.RiskPercent > 0 && s.StopPoints == 0 && (s.ATRPeriod < 1 || s.ATRMult <= 0) {
		return fmt.Errorf("risk_percent sizing needs stop_points or atr settings")
	}
	if s.MaxOpenPositions < 0 || s.DailyLossPct < 0 || s.RewardRatio < 0 {
		return fmt.Errorf("negative limit settings")
	}
	return nil
}

// Decision is the outcome of an entry gate check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Manager evaluates entry gates against current exposure.
type Manager struct {
	settings Settings
}

// NewManager builds a risk manager for one run.
func NewManager(settings Settings) *Manager {
	return &Manager{settings: settings}
}

// Settings returns the configured limits.
func (m *Manager) Settings() Settings { return m.settings }

// EvaluateEntry applies the exposure gates to a prospective OPEN. Gates only
// guard entries; exits and protective changes are never blocked here.
func (m *Manager) EvaluateEntry(openPositions int, dayStartEquity, equity float64) Decision {
	if m.settings.MaxOpenPositions > 0 && openPositions >= m.settings.MaxOpenPositions {
		return Decision{Allowed: false, Reason: "MAX_OPEN_POSITIONS"}
	}
	if m.settings.DailyLossPct > 0 && dayStartEquity > 0 {
		lossPct := (dayStartEquity - equity) / dayStartEquity * 100
		if lossPct >= m.settings.DailyLossPct {
			return Decision{Allowed: false, Reason: "DAILY_LOSS_LIMIT"}
		}
	}
	return Decision{Allowed: true}
}

// Size computes the lot size for an entry with the given stop distance.
// Falls back to FixedLot when the symbol lacks sizing parameters or no
// risk percent is configured.
func (m *Manager) Size(equity, stopDistance float64, sym connector.SymbolInfo) float64 {
	s := m.settings
	if s.RiskPercent <= 0 || stopDistance <= 0 ||
		sym.TickSize <= 0 || sym.TickValue <= 0 {
		return RoundVolume(s.FixedLot, sym)
	}
	riskAmount := equity * s.RiskPercent / 100
	ticks := stopDistance / sym.TickSize
	lot := riskAmount / (ticks * sym.TickValue)
	lot = RoundVolume(lot, sym)
	if lot <= 0 {
		lot = RoundVolume(s.FixedLot, sym)
	}
	return lot
}

// RoundVolume rounds lots down to the symbol's lot step and clamps to the
// broker's min/max.
func RoundVolume(volume float64, sym connector.SymbolInfo) float64 {
	if sym.LotStep > 0 {
		volume = math.Floor(volume/sym.LotStep+1e-9) * sym.LotStep
	}
	if sym.MinLot > 0 && volume < sym.MinLot {
		if volume <= 0 {
			return 0
		}
		volume = sym.MinLot
	}
	if sym.MaxLot > 0 && volume > sym.MaxLot {
		volume = sym.MaxLot
	}
	return volume
}

// PnL converts a price move into account currency using the symbol's tick
// parameters, falling back to contract-size math when the broker did not
// provide them.
func PnL(sym connector.SymbolInfo, side connector.Side, openPrice, closePrice, volume float64) float64 {
	diff := closePrice - openPrice
	if side == connector.SideSell {
		diff = -diff
	}
	if sym.TickSize > 0 && sym.TickValue > 0 {
		return diff / sym.TickSize * sym.TickValue * volume
	}
	contract := sym.ContractSize
	if contract <= 0 {
		contract = 1
	}
	return diff * volume * contract
}

// SessionWindow is an intraday entry window in UTC, inclusive start and
// exclusive end. Windows crossing midnight (start > end) are supported.
type SessionWindow struct {
	Start string `yaml:"start" json:"start"`
	End   string `yaml:"end" json:"end"`
}

// Filters restrict when entries are allowed. Empty filters allow always.
type Filters struct {
	Days     []string        `yaml:"days" json:"days"`
	Sessions []SessionWindow `yaml:"sessions" json:"sessions"`
}

var dayNames = map[string]time.Weekday{
	"SUN": time.Sunday, "MON": time.Monday, "TUE": time.Tuesday,
	"WED": time.Wednesday, "THU": time.Thursday, "FRI": time.Friday,
	"SAT": time.Saturday,
}

// Validate rejects unknown day names and malformed session times.
func (f Filters) Validate() error {
	for _, d := range f.Days {
		if _, ok := dayNames[strings.ToUpper(d)]; !ok {
			return fmt.Errorf("unknown day %q", d)
		}
	}
	for _, s := range f.Sessions {
		if _, err := parseClock(s.Start); err != nil {
			return fmt.Errorf("session start %q: %w", s.Start, err)
		}
		if _, err := parseClock(s.End); err != nil {
			return fmt.Errorf("session end %q: %w", s.End, err)
		}
	}
	return nil
}

// AllowsEntry reports whether t passes the day and session filters.
func (f Filters) AllowsEntry(t time.Time) bool {
	t = t.UTC()
	if len(f.Days) > 0 {
		ok := false
		for _, d := range f.Days {
			if wd, known := dayNames[strings.ToUpper(d)]; known && wd == t.Weekday() {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(f.Sessions) == 0 {
		return true
	}
	minutes := t.Hour()*60 + t.Minute()
	for _, s := range f.Sessions {
		start, err1 := parseClock(s.Start)
		end, err2 := parseClock(s.End)
		if err1 != nil || err2 != nil {
			continue
		}
		if start <= end {
			if minutes >= start && minutes < end {
				return true
			}
		} else if minutes >= start || minutes < end {
			return true
		}
	}
	return false
}

func parseClock(v string) (int, error) {
	parsed, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return parsed.Hour()*60 + parsed.Minute(), nil
}
