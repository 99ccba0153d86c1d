package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"multi-trader/internal/engine"
	"multi-trader/pkg/db"
)

type approveEarningsRequest struct {
	Pct *float64 `json:"pct" binding:"required,gte=0,lte=100"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondEngineError maps engine and store errors onto HTTP statuses.
func respondEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		respondError(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", err.Error())
	case errors.Is(err, engine.ErrAccountNotRunning):
		respondError(c, http.StatusNotFound, "ACCOUNT_NOT_RUNNING", err.Error())
	case errors.Is(err, db.ErrNoEarnings):
		respondError(c, http.StatusConflict, "NO_PENDING_EARNINGS", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func (s *Server) audit(c *gin.Context, action string, fields ...zap.Field) {
	fields = append(fields,
		zap.String("action", action),
		zap.String("account_id", c.Param("id")),
		zap.String("operator", CurrentOperator(c)),
		zap.String("request_id", c.GetString(requestIDKey)),
	)
	s.Logger.Info("ops action", fields...)
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.SystemStatus())
}

func (s *Server) listAccounts(c *gin.Context) {
	list, err := s.Engine.ListAccounts(c.Request.Context())
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": list})
}

func (s *Server) getAccountsHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.AccountHealth())
}

func (s *Server) getAccountHealth(c *gin.Context) {
	h, err := s.Engine.Health(c.Param("id"))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, h)
}

func (s *Server) getOpenLots(c *gin.Context) {
	lots, err := s.Engine.OpenLots(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lots": lots})
}

func (s *Server) getAccountState(c *gin.Context) {
	scope := strings.TrimSpace(c.Param("scope"))
	if scope == "" {
		respondError(c, http.StatusBadRequest, "INVALID_SCOPE", "scope is required")
		return
	}
	st, err := s.Engine.AccountState(c.Request.Context(), c.Param("id"), scope)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scope": scope, "state": st})
}

func (s *Server) reloadAccount(c *gin.Context) {
	if err := s.Engine.ReloadAccount(c.Request.Context(), c.Param("id")); err != nil {
		respondEngineError(c, err)
		return
	}
	s.audit(c, "reload")
	c.JSON(http.StatusOK, gin.H{"status": "reloaded"})
}

func (s *Server) stopAccount(c *gin.Context) {
	s.Engine.StopAccount(c.Param("id"))
	s.audit(c, "stop")
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) resumeBuying(c *gin.Context) {
	if err := s.Engine.ResumeBuying(c.Request.Context(), c.Param("id")); err != nil {
		respondEngineError(c, err)
		return
	}
	s.audit(c, "resume_buying")
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

func (s *Server) resetBreaker(c *gin.Context) {
	if err := s.Engine.ResetCircuitBreaker(c.Request.Context(), c.Param("id")); err != nil {
		respondEngineError(c, err)
		return
	}
	s.audit(c, "reset_breaker")
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

func (s *Server) approveEarnings(c *gin.Context) {
	var req approveEarningsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "pct must be between 0 and 100")
		return
	}
	res, err := s.Engine.ApproveEarnings(c.Request.Context(), c.Param("id"), *req.Pct)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	s.audit(c, "approve_earnings", zap.Float64("pct", *req.Pct), zap.Float64("to_reserve_usdt", res.ToReserveUSDT))
	c.JSON(http.StatusOK, res)
}
