package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"trading-bot/internal/engine"
	"trading-bot/internal/leverage"
	"trading-bot/internal/market"
	"trading-bot/internal/order"
)

const maxDecisionLimit = 500

func abortWithError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"code": code, "error": msg})
}

// writeEngineError maps engine and coordinator sentinels onto HTTP statuses.
func writeEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, order.ErrUnknownTask):
		abortWithError(c, http.StatusNotFound, "UNKNOWN_TASK", err.Error())
	case errors.Is(err, engine.ErrUnknownSymbol):
		abortWithError(c, http.StatusNotFound, "UNKNOWN_SYMBOL", err.Error())
	case errors.Is(err, order.ErrInvalidTransition):
		abortWithError(c, http.StatusConflict, "INVALID_TRANSITION", err.Error())
	case errors.Is(err, order.ErrStopped):
		abortWithError(c, http.StatusConflict, "ENGINE_STOPPED", err.Error())
	case errors.Is(err, order.ErrKillSwitchActive):
		abortWithError(c, http.StatusConflict, "KILL_SWITCH_ACTIVE", err.Error())
	default:
		abortWithError(c, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Status())
}

func (s *Server) getPositions(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Symbols())
}

func (s *Server) getRisk(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.RiskMetrics())
}

func (s *Server) getApprovals(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.PendingApprovals())
}

func (s *Server) getDecisions(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			abortWithError(c, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > maxDecisionLimit {
		limit = maxDecisionLimit
	}
	symbol := strings.ToUpper(c.Query("symbol"))
	decisions, err := s.Engine.Decisions(c.Request.Context(), symbol, limit)
	if err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, decisions)
}

// leverageQuery binds the /api/leverage query string.
type leverageQuery struct {
	Symbol    string  `form:"symbol" binding:"required"`
	Price     float64 `form:"price" binding:"required,gt=0"`
	Regime    string  `form:"regime"`
	ATR       float64 `form:"atr" binding:"gte=0"`
	Requested float64 `form:"requested" binding:"gte=0"`
	Balance   float64 `form:"balance" binding:"gte=0"`
	Exposure  float64 `form:"exposure" binding:"gte=0"`
}

func (s *Server) getLeverage(c *gin.Context) {
	var q leverageQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	req := leverage.Request{
		Symbol:            strings.ToUpper(q.Symbol),
		EntryPrice:        q.Price,
		Regime:            market.ParseRegime(q.Regime),
		ATR:               q.ATR,
		RequestedLeverage: q.Requested,
		AccountBalance:    q.Balance,
		CurrentExposure:   q.Exposure,
	}
	c.JSON(http.StatusOK, s.Engine.PreviewLeverage(req))
}

func (s *Server) engineAction(fn func() error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := fn(); err != nil {
			writeEngineError(c, err)
			return
		}
		log.Info().Str("component", "api").Str("operator", CurrentOperator(c)).
			Str("path", c.FullPath()).Msg("engine control")
		c.JSON(http.StatusOK, s.Engine.Status())
	}
}

type reasonBody struct {
	Reason string `json:"reason"`
}

// bindReason accepts an empty body.
func bindReason(c *gin.Context) (string, bool) {
	var body reasonBody
	if c.Request.ContentLength == 0 {
		return "", true
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return "", false
	}
	return strings.TrimSpace(body.Reason), true
}

func (s *Server) activateKillSwitch(c *gin.Context) {
	reason, ok := bindReason(c)
	if !ok {
		return
	}
	if reason == "" {
		reason = "manual"
	}
	if op := CurrentOperator(c); op != "" {
		reason = reason + " (by " + op + ")"
	}
	if err := s.Engine.ActivateKillSwitch(reason); err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.Engine.Status())
}

func (s *Server) approve(c *gin.Context) {
	id := c.Param("id")
	if err := s.Engine.Approve(id); err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": id, "approved": true})
}

func (s *Server) reject(c *gin.Context) {
	reason, ok := bindReason(c)
	if !ok {
		return
	}
	id := c.Param("id")
	if err := s.Engine.Reject(id, reason); err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": id, "approved": false, "reason": reason})
}

func (s *Server) reselectStrategy(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	if err := s.Engine.ReselectStrategy(symbol); err != nil {
		writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"symbol": symbol, "reselect": "scheduled"})
}
