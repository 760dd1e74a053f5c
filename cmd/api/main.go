package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/judeokello/microbima-sub000/internal/activation"
	"github.com/judeokello/microbima-sub000/internal/api"
	"github.com/judeokello/microbima-sub000/internal/config"
	"github.com/judeokello/microbima-sub000/internal/gateway"
	"github.com/judeokello/microbima-sub000/internal/logging"
	"github.com/judeokello/microbima-sub000/internal/service"
	"github.com/judeokello/microbima-sub000/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger := logging.New(cfg.Logging)

	st, err := store.NewStore(cfg.DBSource)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer st.Close()

	// Initialize Layers
	gatewayClient := gateway.NewClient(cfg.Gateway, logger)
	activator := activation.NewClient(os.Getenv("ACTIVATION_BASE_URL"), logger)
	requests := service.NewRequestService(st, gatewayClient, logger)
	ingestor := service.NewIngestor(st, logger)
	matcher := service.NewMatcher(st, cfg.MatchWindow, logger)
	reconciler := service.NewReconciler(requests, ingestor, matcher, st, activator, logger)
	sweeper := service.NewSweeper(st, cfg.Sweep, logger)
	handler := api.NewHandler(requests, reconciler, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go sweeper.Run(ctx)

	// Router
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", handler.Health).Methods("GET")

	r.HandleFunc("/callbacks/stk", handler.StkCallback).Methods("POST")
	r.HandleFunc("/callbacks/c2b/confirmation", handler.C2BConfirmation).Methods("POST")
	r.HandleFunc("/callbacks/c2b/validation", handler.C2BValidation).Methods("POST")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/payments", handler.InitiatePayment).Methods("POST")
	apiV1.HandleFunc("/payments/{id}", handler.GetPayment).Methods("GET")

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	logger.Info("server starting", "port", cfg.Port, "env", cfg.Env)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal(err)
	}
}
