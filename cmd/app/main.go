package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/printcost/internal/analyzer"
	"github.com/local/printcost/internal/api"
	cfgpkg "github.com/local/printcost/internal/config"
	"github.com/local/printcost/internal/dispatcher"
	"github.com/local/printcost/internal/engine"
	"github.com/local/printcost/internal/imagerender"
	logpkg "github.com/local/printcost/internal/logger"
	"github.com/local/printcost/internal/metrics"
	"github.com/local/printcost/internal/preview"
	"github.com/local/printcost/internal/pricing"
	"github.com/local/printcost/internal/printjob"
	"github.com/local/printcost/internal/queue"
	"github.com/local/printcost/internal/relay"
	"github.com/local/printcost/internal/statuscheck"
	"github.com/local/printcost/internal/storage"
	"github.com/local/printcost/internal/store"
	"github.com/local/printcost/internal/submission"
)

func main() {
	cfg := cfgpkg.Load()

	_ = logpkg.Init(logpkg.Options{
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.Dataset,
		AxiomFlush:   cfg.Axiom.FlushInterval,
	})
	defer logpkg.Close()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	table := pricing.Table{
		Rates: map[printjob.PaperType]float64{
			printjob.PaperA4:     cfg.Pricing.RateA4,
			printjob.PaperLetter: cfg.Pricing.RateLetter,
			printjob.PaperLegal:  cfg.Pricing.RateLegal,
		},
		ImageSurcharge: cfg.Pricing.ImageSurcharge,
	}
	if err := table.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid price table")
	}

	an, err := analyzer.New(cfg.Analyzer.Backend)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid analyzer backend")
	}

	// Redis: queue, submission status, analysis cache, breaker
	rc, err := queue.Dial(ctx, cfg.Queue.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer rc.Close()
	rq, err := queue.NewRedisQueue(ctx, rc, cfg.Queue.Stream, cfg.Queue.Group, cfg.Queue.PollInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init redis queue")
	}
	defer rq.Close()
	rs := store.NewRedisStatus(rc, 7*24*time.Hour)
	cache := store.NewAnalysisCache(rc, cfg.Analyzer.CacheTTL)

	s3c, err := storage.NewS3Client(ctx, storage.Options{
		Bucket:          cfg.Storage.Bucket,
		Region:          cfg.Storage.Region,
		Password:        cfg.Storage.Password,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init s3 storage")
	}

	svc := submission.NewService(relay.New(s3c, rq, rs, cfg.Storage.Prefix))

	renderOpts := imagerender.DefaultOptions()
	if cfg.Analyzer.PreviewDPI > 0 {
		renderOpts.DPI = cfg.Analyzer.PreviewDPI
	}
	previews := preview.NewStore(preview.FitzRenderer(renderOpts))

	checker := statuscheck.New(statuscheck.Options{
		Redis:      rq,
		S3:         s3c,
		WebhookURL: cfg.Worker.WebhookURL,
	})

	srv := api.New(api.Dependencies{
		Analyzer:  an,
		Cache:     cache,
		Previews:  previews,
		Submitter: svc,
		Status:    rs,
		Checker:   checker,
	}, api.Options{
		Table:          table,
		Engine:         engine.Options{MinCopies: cfg.Pricing.MinCopies, MaxCopies: cfg.Pricing.MaxCopies},
		MaxUploadBytes: cfg.Analyzer.MaxUploadB,
		AnalyzeTimeout: cfg.Analyzer.Timeout,
		SessionTTL:     cfg.HTTP.SessionTTL,
	})
	svc.OnCleared = srv.ReleasePreviews
	srv.Start(ctx)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	// Fulfillment worker (optional)
	if cfg.Worker.Enabled && cfg.Worker.WebhookURL != "" {
		notifier, err := dispatcher.NewWebhookNotifier(cfg.Worker.WebhookURL, cfg.Worker.NotifyTimeout)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid notification webhook")
		}
		breaker := dispatcher.NewCircuitBreaker(rc, cfg.Worker.BreakerBaseBackoff, cfg.Worker.BreakerMaxBackoff)
		disp := dispatcher.New(dispatcher.Config{
			Concurrency:    cfg.Worker.Concurrency,
			MaxAttempts:    cfg.Worker.JobMaxAttempts,
			RetryBaseDelay: cfg.Worker.RetryBaseDelay,
			RetryJitter:    cfg.Worker.RetryJitter,
			BackoffFactor:  cfg.Worker.RetryBackoffFactor,
			NotifyTimeout:  cfg.Worker.NotifyTimeout,
		}, rq, rs, notifier, breaker, table)
		disp.Start()
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer scancel()
			if err := disp.Stop(sctx); err != nil {
				log.Warn().Err(err).Msg("dispatcher did not drain in time")
			}
		}()
	} else {
		log.Warn().Bool("enabled", cfg.Worker.Enabled).Msg("fulfillment dispatcher not running")
	}

	httpSrv := &http.Server{
		Addr:              ":" + cfg.HTTP.Port,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Msgf("HTTP server listening on :%s", cfg.HTTP.Port)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	_ = httpSrv.Shutdown(sctx)
	cancel()
	fmt.Println("shutdown complete")
}
