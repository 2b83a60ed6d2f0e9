package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func runPeer(cmd *cobra.Command, _ []string) error {
	logger := newLogger(viper.GetString("log_level"))

	peerCount := viper.GetInt("peers")
	cohortSize := viper.GetInt("cohort_size")
	listen := viper.GetString("listen")

	registry := prometheus.NewRegistry()
	m := newMetrics(registry)

	c, err := buildCohort(peerCount, cohortSize, viper.GetBool("disable_self_coordination"), m, logger)
	if err != nil {
		return fmt.Errorf("peer: build cohort: %w", err)
	}
	logger.Info().Int("peers", peerCount).Int("cohort_size", cohortSize).Msg("cohort ready")

	if err := runLocalCollectionDemo(c.members[0].repo, logger); err != nil {
		return fmt.Errorf("peer: local collection demo: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := runDistributedCommitDemo(ctx, c, m, logger); err != nil {
		cancel()
		return fmt.Errorf("peer: distributed commit demo: %w", err)
	}
	if err := runReplicatedCollectionDemo(ctx, c, logger); err != nil {
		cancel()
		return fmt.Errorf("peer: replicated collection demo: %w", err)
	}
	cancel()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", listen).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("metrics server shutdown error")
	}
	logger.Info().Msg("peer stopped")
	return nil
}
