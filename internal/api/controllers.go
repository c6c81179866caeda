package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"tradebot/internal/engine"
	"tradebot/internal/order"
	"tradebot/internal/risk"
	"tradebot/pkg/db"
)

type listOrdersQuery struct {
	Status string `form:"status"` // comma separated
	Symbol string `form:"symbol"`
	Limit  int    `form:"limit"`
}

func (q *listOrdersQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

type realizedQuery struct {
	Asset string `form:"asset"`
	From  string `form:"from"` // RFC3339
	To    string `form:"to"`
}

type listReconciliationsQuery struct {
	Limit int `form:"limit"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondEngineError maps engine errors to a status and a body that carries
// the kind, the order or asset, and the last consistent state.
func (s *Server) respondEngineError(c *gin.Context, err error) {
	var ambiguous *order.AmbiguousOrderStateError
	var rejected *order.RejectedOrderError
	switch {
	case errors.Is(err, order.ErrUnknownOrder), errors.Is(err, db.ErrNotFound):
		respondError(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, risk.ErrNotHalted):
		respondError(c, http.StatusNotFound, "NOT_HALTED", err.Error())
	case errors.As(err, &ambiguous):
		c.JSON(http.StatusConflict, gin.H{
			"code":       "AMBIGUOUS_ORDER_STATE",
			"error":      err.Error(),
			"order_id":   ambiguous.OrderID,
			"asset":      ambiguous.Asset,
			"last_state": ambiguous.LastState,
		})
	case errors.As(err, &rejected):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"code":     "ORDER_REJECTED",
			"error":    err.Error(),
			"order_id": rejected.OrderID,
		})
	default:
		s.Log.Error("engine call failed", zap.String("path", c.FullPath()), zap.Error(err))
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func parseTimeParam(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

// --- System ---

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetSystemStatus())
}

func (s *Server) getMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetMetrics())
}

func (s *Server) getReconciliations(c *gin.Context) {
	var q listReconciliationsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	reports, err := s.Engine.ListReconciliations(c.Request.Context(), q.Limit)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, reports)
}

// --- Strategies ---

func (s *Server) getStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.ListStrategies())
}

func (s *Server) reloadStrategies(c *gin.Context) {
	if err := s.Engine.ReloadStrategies(c.Request.Context()); err != nil {
		respondError(c, http.StatusBadRequest, "RELOAD_FAILED", err.Error())
		return
	}
	s.Log.Info("strategies reloaded", zap.String("operator", CurrentOperator(c)))
	c.JSON(http.StatusOK, s.Engine.ListStrategies())
}

// --- Portfolio ---

func (s *Server) getPositions(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetPositions())
}

func (s *Server) getPosition(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetPosition(strings.ToUpper(c.Param("asset"))))
}

func (s *Server) getPnL(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetPnL())
}

func (s *Server) getRealized(c *gin.Context) {
	var q realizedQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	from, err := parseTimeParam(q.From)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "from: "+err.Error())
		return
	}
	to, err := parseTimeParam(q.To)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "to: "+err.Error())
		return
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "to is before from")
		return
	}
	c.JSON(http.StatusOK, s.Engine.GetRealized(strings.ToUpper(q.Asset), from, to))
}

// --- Orders ---

func (s *Server) getOrders(c *gin.Context) {
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", err.Error())
		return
	}
	q.normalize()

	f := engine.OrderFilter{Symbol: strings.ToUpper(q.Symbol), Limit: q.Limit}
	for _, st := range strings.Split(q.Status, ",") {
		if st = strings.TrimSpace(st); st != "" {
			f.Statuses = append(f.Statuses, strings.ToUpper(st))
		}
	}
	orders, err := s.Engine.ListOrders(c.Request.Context(), f)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

func (s *Server) getOrder(c *gin.Context) {
	o, err := s.Engine.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) cancelOrder(c *gin.Context) {
	id := c.Param("id")
	o, err := s.Engine.CancelOrder(c.Request.Context(), id)
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	s.Log.Info("order cancel requested", zap.String("order_id", id), zap.String("operator", CurrentOperator(c)),
		zap.String("status", string(o.Status)))
	c.JSON(http.StatusOK, o)
}

// --- Risk ---

func (s *Server) getHalts(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.ListHalts())
}

func (s *Server) acknowledgeHalt(c *gin.Context) {
	asset := strings.ToUpper(c.Param("asset"))
	h, err := s.Engine.AcknowledgeHalt(c.Request.Context(), asset, CurrentOperator(c))
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, h)
}

func (s *Server) getAccount(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetAccount())
}

func (s *Server) getLimits(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetLimits())
}

// --- Performance ---

func (s *Server) getKPIs(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.CurrentKPIs())
}

func (s *Server) getLatestKPIs(c *gin.Context) {
	snap, err := s.Engine.LatestKPIs(c.Request.Context())
	if err != nil {
		s.respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) getBalance(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.GetBalance())
}
