package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tradingbot/relay/internal/position"
	"github.com/tradingbot/relay/internal/signal"
)

func (s *Server) handleLogin(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	sess, err := s.engine.Login(ctx)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": sess.Data})
}

func (s *Server) handleLogout(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	s.engine.Logout(ctx)
	c.JSON(http.StatusOK, gin.H{"status": "logged out"})
}

func (s *Server) handleAuthStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"authenticated":     s.engine.Authenticated(),
		"websocket_running": s.engine.StreamActive(),
		"stream_state":      s.engine.StreamState().String(),
	})
}

func (s *Server) handleWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "could not read request body"})
		return
	}
	hook, err := signal.Parse(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": err.Error()})
		return
	}
	req, err := hook.OrderRequest()
	if err != nil {
		var verr *signal.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": verr.Fields})
			return
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	log.WithField("request_id", c.GetString(requestIDKey)).
		Infof("Received TradingView webhook: %s %s x%s", req.TransactionType, req.TradingSymbol, req.Quantity)

	ctx, cancel := s.requestContext(c)
	defer cancel()
	resp, err := s.engine.PlaceOrder(ctx, req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "order_sent", "response": resp})
}

func (s *Server) handleWebhookTest(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"message":         "Webhook endpoint is working",
		"example_payload": signal.Example(),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": s.cfg.AppName})
}

func (s *Server) handleReady(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	store := s.engine.Positions()
	if err := position.Ping(ctx, store); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
		return
	}
	list, err := store.List(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"checks": gin.H{
			"position_store":  "ok",
			"positions_count": len(list),
			"authenticated":   s.engine.Authenticated(),
			"stream_state":    s.engine.StreamState().String(),
		},
	})
}

func (s *Server) handlePositionsList(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	list, err := s.engine.Positions().List(ctx)
	if err != nil {
		log.Errorf("Failed to get positions: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to retrieve positions"})
		return
	}
	if list == nil {
		list = []position.Position{}
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) handlePositionGet(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	symbol := c.Param("symbol")
	qty, err := s.engine.Positions().Get(ctx, symbol)
	if err != nil {
		log.Errorf("Failed to get position for %s: %v", symbol, err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to retrieve position for " + symbol})
		return
	}
	c.JSON(http.StatusOK, position.Position{Symbol: symbol, Quantity: qty})
}

func (s *Server) handlePositionDelete(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	symbol := c.Param("symbol")
	if err := s.engine.Positions().Delete(ctx, symbol); err != nil {
		log.Errorf("Failed to clear position for %s: %v", symbol, err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to clear position for " + symbol})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Position cleared for " + symbol})
}

func (s *Server) handlePositionsClear(c *gin.Context) {
	ctx, cancel := s.requestContext(c)
	defer cancel()

	if err := s.engine.Positions().Clear(ctx); err != nil {
		log.Errorf("Failed to clear all positions: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"detail": "Failed to clear all positions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "All positions cleared"})
}
