// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dashboard serves the engine's read-only status surface: task
// schedule, provider health, breaker and rate-limit state, queue
// depths, cycle history, and prometheus metrics.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/GS-Bacon/KairosAgent-sub001/pkg/logging"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/history"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/provider"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/schedule"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/track"
	"github.com/GS-Bacon/KairosAgent-sub001/services/engine/trouble"
)

// Sources are the live components the dashboard reads. Any field may
// be nil; its section is then omitted from /status.
type Sources struct {
	Scheduler     *schedule.Scheduler
	Monitor       *provider.HealthMonitor
	Primary       *provider.ResilientProvider
	Breaker       *trouble.Breaker
	RepairQueue   *trouble.Queue
	Confirmations *track.ConfirmationQueue
	History       *history.Store
	Metrics       http.Handler
}

// Server is the status HTTP server.
type Server struct {
	addr    string
	sources Sources
	logger  *logging.Logger
	srv     *http.Server
}

// NewServer builds the server and its routes.
func NewServer(addr string, sources Sources, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Server{
		addr:    addr,
		sources: sources,
		logger:  logger.With("component", "dashboard"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.handleHealthz)
	router.GET("/status", s.handleStatus)
	router.GET("/history", s.handleHistory)
	router.GET("/confirmations", s.handleConfirmations)
	if sources.Metrics != nil {
		router.GET("/metrics", gin.WrapH(sources.Metrics))
	}

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler { return s.srv.Handler }

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.logger.Info("dashboard listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("dashboard server failed", "error", err.Error())
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	status := gin.H{"time": time.Now().UTC()}

	if s.sources.Scheduler != nil {
		status["tasks"] = s.sources.Scheduler.Tasks()
	}
	if s.sources.Monitor != nil {
		status["providers"] = s.sources.Monitor.All()
	}
	if s.sources.Primary != nil {
		status["rate_limit"] = s.sources.Primary.RateLimitState()
	}
	if s.sources.Breaker != nil {
		status["repair_breaker"] = s.sources.Breaker.State()
	}
	if s.sources.RepairQueue != nil {
		status["repair_queue_depth"] = s.sources.RepairQueue.Depth()
	}
	if s.sources.Confirmations != nil {
		status["confirmation_depth"] = s.sources.Confirmations.Depth()
	}
	if s.sources.History != nil {
		if stats, err := s.sources.History.Summarize(); err == nil {
			status["cycles"] = stats
		}
	}
	status["recent_logs"] = s.logger.Recent()

	c.JSON(http.StatusOK, status)
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.sources.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "history not enabled"})
		return
	}
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
	}
	records, err := s.sources.History.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycles": records})
}

func (s *Server) handleConfirmations(c *gin.Context) {
	if s.sources.Confirmations == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "confirmation queue not enabled"})
		return
	}
	pending, err := s.sources.Confirmations.Pending()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending})
}
