// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/rapidaai/audio-stream/config"
	internal_command "github.com/rapidaai/audio-stream/internal/command"
	internal_supervisor "github.com/rapidaai/audio-stream/internal/supervisor"
	"github.com/rapidaai/audio-stream/pkg/commons"
)

const shutdownBudget = 70 * time.Second

func main() {
	vConfig, err := config.InitConfig()
	if err != nil {
		log.Fatalf("failed to initialise config: %v", err)
	}
	appCfg, err := config.GetApplicationConfig(vConfig)
	if err != nil {
		log.Fatalf("failed to load application config: %v", err)
	}

	logger, err := commons.NewServiceLogger(commons.LoggerConfig{
		Level: appCfg.LogLevel,
		File:  appCfg.LogFile,
	})
	if err != nil {
		log.Fatalf("failed to initialise logger: %v", err)
	}
	defer logger.Sync()

	supervisor := internal_supervisor.NewSupervisor(logger, appCfg, nil)
	if err := supervisor.Start(); err != nil {
		// The only fatal error at process scope.
		logger.Errorf("failed to start supervisor: %v", err)
		os.Exit(1)
	}
	surface := internal_command.NewSurface(logger, supervisor)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"service":  appCfg.Name,
			"sessions": supervisor.SessionCount(),
		})
	})

	// The command surface is fire-and-forget: the body is one command line,
	// the response body reports acceptance, the status is always 200.
	router.POST("/command", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusOK, internal_command.ResponseErr)
			return
		}
		c.String(http.StatusOK, surface.Execute(string(body)))
	})

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", appCfg.Host, appCfg.Port),
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infow("command surface listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Infow("shutdown signal received, draining sessions")
		supervisor.Shutdown(shutdownBudget)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Errorf("service exited with error: %v", err)
		os.Exit(1)
	}
}
