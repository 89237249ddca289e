package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/relaycache/internal/auth"
	"github.com/MarcoPoloResearchLab/relaycache/internal/profiles"
	"github.com/MarcoPoloResearchLab/relaycache/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the store over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
	cmd.Flags().String("http-address", viper.GetString("http.address"), "HTTP listen address")
	cmd.Flags().Duration("compaction-interval", viper.GetDuration("compaction.interval"), "Interval between compaction passes (0 disables)")
	if err := viper.BindPFlag("http.address", cmd.Flags().Lookup("http-address")); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("compaction.interval", cmd.Flags().Lookup("compaction-interval")); err != nil {
		panic(err)
	}
	return cmd
}

func runServer(ctx context.Context) error {
	rt, err := openRuntime()
	if err != nil {
		return err
	}
	defer rt.Close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	index := profiles.NewIndex(rt.logger)
	notifications, unsubscribe := rt.store.Subscribe(signalCtx, 0)
	defer unsubscribe()
	if err := index.Load(signalCtx, rt.store); err != nil {
		return err
	}
	go index.Follow(signalCtx, notifications)
	go rt.store.RunCompaction(signalCtx, rt.config.CompactionInterval)

	deps := server.Dependencies{
		Store:          rt.store,
		Profiles:       index,
		AllowedOrigins: rt.config.AllowedOrigins,
		Logger:         rt.logger,
	}
	if rt.config.AuthEnabled() {
		tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
			SigningSecret: []byte(rt.config.SigningSecret),
			Issuer:        auth.DefaultIssuer,
			Audience:      auth.DefaultAudience,
			TokenTTL:      rt.config.TokenTTL,
		})
		if err != nil {
			return err
		}
		deps.Tokens = tokens
	} else {
		rt.logger.Warn("http authentication disabled; /sql and /dump stay unmounted until auth.signing_secret is set")
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    rt.config.HTTPAddress,
		Handler: handler,
		// Streams end with the signal context instead of holding shutdown open.
		BaseContext: func(net.Listener) context.Context { return signalCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		rt.logger.Info("server starting", zap.String("address", rt.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
