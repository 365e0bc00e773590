package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"execution-core/internal/connector"
	"execution-core/internal/events"
	"execution-core/internal/gateway"
	"execution-core/internal/runner"
	"execution-core/internal/sim"
	"execution-core/internal/strategy"
	"execution-core/pkg/db"
	"execution-core/pkg/logger"
)

// submitIntent pushes one manual intent through the execution pipeline.
// Guard skips come back as HTTP 200 with the outcome in the body; only
// malformed requests and infrastructure failures map to error statuses.
func (s *Server) submitIntent(c *gin.Context) {
	var req struct {
		RunID         string  `json:"run_id"`
		BrokerType    string  `json:"broker_type"`
		AccountID     string  `json:"account_id"`
		CorrelationID string  `json:"correlation_id"`
		Action        string  `json:"action"`
		Symbol        string  `json:"symbol"`
		Side          string  `json:"side"`
		Volume        float64 `json:"volume"`
		Price         float64 `json:"price"`
		StopLoss      float64 `json:"stop_loss"`
		TakeProfit    float64 `json:"take_profit"`
		PositionID    string  `json:"position_id"`
		Reason        string  `json:"reason"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	if req.BrokerType == "" || req.AccountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "MISSING_BROKER", "error": "broker_type and account_id are required"})
		return
	}

	ctx := c.Request.Context()
	conn, err := s.Registry.Acquire(ctx, req.BrokerType, req.AccountID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"code": "BROKER_UNAVAILABLE", "error": err.Error()})
		return
	}
	defer s.Registry.Release(ctx, req.AccountID)

	res, err := s.Gateway.Execute(ctx, conn, gateway.Intent{
		RunID:         req.RunID,
		CorrelationID: req.CorrelationID,
		Action:        strategy.ActionType(req.Action),
		Symbol:        req.Symbol,
		Side:          connector.Side(req.Side),
		Volume:        req.Volume,
		Price:         req.Price,
		StopLoss:      req.StopLoss,
		TakeProfit:    req.TakeProfit,
		PositionID:    req.PositionID,
		Reason:        req.Reason,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_INTENT", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"intent_id":       res.IntentID,
		"idempotency_key": res.IdempotencyKey,
		"outcome":         res.Outcome,
		"reason":          res.Reason,
		"order_id":        res.OrderID,
		"position_id":     res.PositionID,
		"executed_volume": res.ExecutedVolume,
		"executed_price":  res.ExecutedPrice,
		"duplicate":       res.Duplicate,
	})
}

func (s *Server) startRun(c *gin.Context) {
	var req struct {
		Spec       string `json:"spec"`
		BrokerType string `json:"broker_type"`
		AccountID  string `json:"account_id"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	if req.Spec == "" || req.BrokerType == "" || req.AccountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"code": "MISSING_FIELDS", "error": "spec, broker_type and account_id are required"})
		return
	}

	runID, err := s.Runs.Start(c.Request.Context(), runner.StartRequest{
		Spec:       []byte(req.Spec),
		BrokerType: req.BrokerType,
		AccountID:  req.AccountID,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "START_FAILED", "error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"run_id": runID, "state": db.RunStateRunning})
}

func (s *Server) stopRun(c *gin.Context) {
	err := s.Runs.Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "RUN_NOT_FOUND", "error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run_id": c.Param("id"), "state": db.RunStateStopping})
}

func (s *Server) listRuns(c *gin.Context) {
	runs, err := s.DB.ListLiveRuns(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) getRun(c *gin.Context) {
	run, err := s.DB.GetLiveRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "RUN_NOT_FOUND", "error": "run not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) listRunIntents(c *gin.Context) {
	intents, err := s.DB.ListIntentsByRun(c.Request.Context(), c.Param("id"), queryLimit(c, 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"intents": intents})
}

func (s *Server) listRunOrders(c *gin.Context) {
	orders, err := s.DB.ListOrdersByRun(c.Request.Context(), c.Param("id"), queryLimit(c, 100))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *Server) listRunPositions(c *gin.Context) {
	positions, err := s.DB.ListOpenPositionsByRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

// runBacktest executes a simulation synchronously and persists the result.
func (s *Server) runBacktest(c *gin.Context) {
	var req struct {
		Spec           string   `json:"spec"`
		From           string   `json:"from"` // YYYY-MM-DD
		To             string   `json:"to"`
		InitialBalance float64  `json:"initial_balance"`
		TickSize       float64  `json:"tick_size"`
		TickValue      float64  `json:"tick_value"`
		ContractSize   float64  `json:"contract_size"`
		TieBreak       string   `json:"tie_break"`
		Spread         *float64 `json:"spread"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}
	from, err := time.Parse("2006-01-02", req.From)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_RANGE", "error": "from must be YYYY-MM-DD"})
		return
	}
	to, err := time.Parse("2006-01-02", req.To)
	if err != nil || !to.After(from) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_RANGE", "error": "to must be YYYY-MM-DD after from"})
		return
	}

	spec, err := strategy.LoadSpec([]byte(req.Spec))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_STRATEGY", "error": err.Error()})
		return
	}

	cfg := s.simConfig(req.InitialBalance, req.TieBreak, req.Spread)
	if req.TickSize > 0 {
		cfg.Symbol.TickSize = req.TickSize
	}
	if req.TickValue > 0 {
		cfg.Symbol.TickValue = req.TickValue
	}
	if req.ContractSize > 0 {
		cfg.Symbol.ContractSize = req.ContractSize
	}
	cfg.Symbol.Name = spec.Symbol

	engine, err := sim.New(cfg, spec)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_STRATEGY", "error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	candles, err := s.History.Fetch(ctx, spec.Symbol, spec.Timeframe, from, to)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"code": "HISTORY_UNAVAILABLE", "error": err.Error()})
		return
	}

	res, err := engine.Run(ctx, candles)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "SIMULATION_FAILED", "error": err.Error()})
		return
	}
	if err := sim.Persist(ctx, s.DB, spec.Name, res, from, to); err != nil {
		logger.S().Errorw("backtest persistence failed", "run", res.RunID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "PERSIST_FAILED", "error": err.Error()})
		return
	}
	if s.Bus != nil {
		s.Bus.Publish(events.EventBacktestFinished, events.RunStateUpdate{
			RunID: res.RunID, State: db.RunStateCompleted, At: time.Now().UTC(),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"run_id":           res.RunID,
		"symbol":           res.Symbol,
		"initial_balance":  res.InitialBalance,
		"final_balance":    res.FinalBalance,
		"final_equity":     res.FinalEquity,
		"total_trades":     res.TotalTrades,
		"winning_trades":   res.WinningTrades,
		"max_drawdown_pct": res.MaxDrawdownPct,
		"profit_factor":    res.ProfitFactor,
	})
}

func (s *Server) getBacktest(c *gin.Context) {
	run, err := s.DB.GetBacktestRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "BACKTEST_NOT_FOUND", "error": "backtest not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) listBacktestTrades(c *gin.Context) {
	trades, err := s.DB.ListBacktestTrades(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL_ERROR", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

// simConfig builds the simulation defaults from the environment, letting the
// request override balance, tie-break and spread.
func (s *Server) simConfig(balance float64, tieBreak string, spread *float64) sim.Config {
	if balance <= 0 {
		balance = s.Cfg.PaperInitialBalance
	}
	tb := sim.TieBreak(s.Cfg.SimTieBreak)
	if tieBreak != "" {
		tb = sim.TieBreak(tieBreak)
	}
	fill := sim.FillModel{
		Spread:          s.Cfg.SimSpread,
		SlippageType:    sim.SlippageType(s.Cfg.SimSlippageType),
		SlippageValue:   s.Cfg.SimSlippageValue,
		CommissionType:  sim.CommissionType(s.Cfg.SimCommissionType),
		CommissionValue: s.Cfg.SimCommissionValue,
	}
	if spread != nil {
		fill.Spread = *spread
	}
	return sim.Config{
		InitialBalance: balance,
		Fill:           fill,
		TieBreak:       tb,
		Symbol: connector.SymbolInfo{
			MinLot:       0.01,
			MaxLot:       100,
			LotStep:      0.01,
			ContractSize: 1,
		},
	}
}

func queryLimit(c *gin.Context, fallback int) int {
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
