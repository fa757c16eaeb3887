package cmd

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"

	"roamii/internal/http/handlers"
	"roamii/internal/http/server"
	"roamii/internal/llm"
	"roamii/internal/store"
)

const aggregationInterval = time.Minute

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the visitor quota HTTP service",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := quartz.NewReal()
	policy := policyFrom(cfg)
	st, closeStore, err := openStore(ctx, cfg, clock)
	if err != nil {
		return err
	}
	defer closeStore()

	var completer llm.Completer
	if cfg.OpenAIKey != "" {
		completer = llm.NewClient(cfg.OpenAIBaseURL, cfg.OpenAIKey, cfg.OpenAIModel)
	} else {
		log.Printf("OPENAI_API_KEY not set: default key requests are disabled")
	}

	handlers.InitPrometheusMetrics()
	retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
	store.StartRetentionWorker(ctx, st, policy, clock, retention)
	store.StartAggregationWorker(ctx, st, policy, clock, aggregationInterval, handlers.PublishSummary)

	srv := &fasthttp.Server{
		Handler: server.NewHandler(server.Deps{
			Config:    cfg,
			Store:     st,
			Guard:     store.NewGuard(st, policy, clock),
			Completer: completer,
			Clock:     clock,
		}),
		Name: "roamii",
	}

	errc := make(chan error, 1)
	go func() {
		log.Printf("roamii listening on %s (%s store)", cfg.ListenAddr, cfg.StoreBackend)
		errc <- srv.ListenAndServe(cfg.ListenAddr)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.ShutdownWithContext(shutdownCtx)
}
