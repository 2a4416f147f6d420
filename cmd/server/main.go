// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
package main

// @title flowpay API
// @version 1.0
// @description Order flow and account matching engine reconciling storefront orders with on-chain payments.
// @host localhost:8080
// @BasePath /

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	httpSwagger "github.com/swaggo/http-swagger"
	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog/log"

	_ "github.com/oxzoid/flowpay/docs"
	"github.com/oxzoid/flowpay/pkg/adminauth"
	"github.com/oxzoid/flowpay/pkg/config"
	"github.com/oxzoid/flowpay/pkg/eventbus"
	"github.com/oxzoid/flowpay/pkg/expiry"
	"github.com/oxzoid/flowpay/pkg/httpapi"
	"github.com/oxzoid/flowpay/pkg/logging"
	"github.com/oxzoid/flowpay/pkg/orderflow"
	"github.com/oxzoid/flowpay/pkg/store/sqlite"
	"github.com/oxzoid/flowpay/pkg/walletauth"
)

// corsMiddleware allows an admin dashboard to call the API cross-origin.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	logging.Init(cfg.LogLevel)

	st, err := sqlite.Open(cfg.DatabaseURL, cfg.ConnectionPoolSize)
	if err != nil {
		log.Fatal().Err(err).Msg("db open failed")
	}
	defer st.Close()

	bus := eventbus.New(cfg.EventQueueCapacity, cfg.EventPublishTimeout)
	bus.Subscribe("log", 0, func(ev eventbus.Event) {
		log.Info().Str("event", string(ev.Kind)).Int64("account_id", ev.AccountID).Msg("event published")
	})

	verifier := walletauth.New(st)
	engine := orderflow.New(st, bus, verifier, cfg.UnclaimedOrderTimeout, cfg.UnpaidOrderTimeout)

	worker := expiry.New(engine, cfg.ExpiryTickInterval)

	admin := adminauth.New(cfg.AdminJWTSecret, 0)
	server := httpapi.NewServer(engine, verifier, admin, cfg.AdminJWTSecret, nil)

	mux := http.NewServeMux()
	mux.Handle("/swagger/", httpSwagger.WrapHandler)
	server.Routes(mux)
	handler := corsMiddleware(mux)

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: handler}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	worker.Start(gctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTPAddr).Msg("server starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http server shutdown error")
		}
		if err := worker.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("expiry worker shutdown error")
		}
		bus.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server exited with error")
	}
}
