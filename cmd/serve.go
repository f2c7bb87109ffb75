package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MimeLyc/anidub/internal/breaker"
	"github.com/MimeLyc/anidub/internal/config"
	"github.com/MimeLyc/anidub/internal/jobs"
	"github.com/MimeLyc/anidub/internal/llm"
	"github.com/MimeLyc/anidub/internal/maintenance"
	"github.com/MimeLyc/anidub/internal/media"
	"github.com/MimeLyc/anidub/internal/notify"
	"github.com/MimeLyc/anidub/internal/pipeline"
	"github.com/MimeLyc/anidub/internal/scheduler"
	"github.com/MimeLyc/anidub/internal/stages"
	"github.com/MimeLyc/anidub/internal/stages/external"
	"github.com/MimeLyc/anidub/internal/tts"
	"github.com/MimeLyc/anidub/internal/watchdog"
	"github.com/MimeLyc/anidub/pkg/icron"
	"github.com/MimeLyc/anidub/pkg/log"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

// adoptSchedule is how often a serving process picks up jobs submitted by
// other processes when the queue backend is in-process.
const adoptSchedule = "@every 5s"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Process queued jobs until interrupted",
	Long: `Start the job workers.

Unfinished jobs in the ledger are recovered first: jobs that were RUNNING
when the previous process died go back to QUEUED and resume from their
checkpoints. On SIGINT or SIGTERM the queue stops taking work, waits up to
SHUTDOWN_TIMEOUT_S for running jobs and re-queues whatever was interrupted.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	sched := scheduler.NewLocal(cfg.Limits.Scheduler)
	breakers := breaker.NewRegistry(breaker.Settings{
		Failures: cfg.Breaker.Failures,
		Cooldown: cfg.Breaker.Cooldown,
	})
	orch := pipeline.NewOrchestrator(pipeline.SettingsFromConfig(cfg), pipeline.Deps{
		Store:     a.store,
		Catalog:   a.store,
		Stages:    buildStages(cfg, breakers),
		Scheduler: sched,
		Breakers:  breakers,
	})

	opts := jobs.Options{
		Concurrency: cfg.Queue.Concurrency,
		Layout:      a.layout(),
		Backend:     a.backend,
		Scheduler:   sched,
		PausePoll:   cfg.Queue.PausePoll,
		DenyEgress:  !cfg.Pipeline.AllowEgress,
	}
	if cfg.Notify.WebhookURL != "" {
		opts.Notifier = notify.NewWebhook(cfg.Notify.WebhookURL)
	}
	queue := jobs.NewQueue(a.store, orch.Executor(), opts)
	if err := queue.Start(ctx); err != nil {
		return err
	}

	c := cron.New(cron.WithParser(icron.Parser))
	housekeeping := maintenance.NewService(a.store, a.store, c, maintenance.Options{
		CronExpr:       cfg.Queue.MaintenanceCron,
		IdempotencyTTL: cfg.Queue.IdempotencyTTL,
		WorkRoot:       cfg.System.WorkDir,
	})
	if err := housekeeping.Schedule(ctx); err != nil {
		_ = queue.GracefulShutdown(cfg.Queue.ShutdownTimeout)
		return err
	}
	if a.redis == nil {
		if _, err := c.AddFunc(adoptSchedule, func() {
			if _, err := queue.Adopt(ctx); err != nil {
				log.Warn("Adopt queued jobs: %v", err)
			}
		}); err != nil {
			_ = queue.GracefulShutdown(cfg.Queue.ShutdownTimeout)
			return fmt.Errorf("schedule job adoption: %w", err)
		}
	}
	c.Start()

	log.Info("anidub serving (data dir %s)", cfg.System.DataDir)
	<-ctx.Done()
	log.Info("Shutting down")

	<-c.Stop().Done()
	return queue.GracefulShutdown(cfg.Queue.ShutdownTimeout)
}

// buildStages wires ffmpeg for probing, audio extraction and muxing, the
// LLM translator when configured, the external tools for every other stage,
// and the TTS engine chain.
func buildStages(cfg *config.Config, breakers *breaker.Registry) stages.Set {
	wd := watchdog.Options{PollInterval: cfg.Pipeline.WatchdogPoll}
	ff := media.NewFfmpeg(cfg.Media.FFmpegPath, wd)
	set := stages.Set{Prober: ff, Audio: ff, Muxer: ff}
	if tr := llmTranslator(cfg); tr != nil {
		set.Translator = tr
	}
	engines := external.Configure(&set, cfg.Tools.Commands, cfg.Tools.Retries, wd)
	set.Synthesizer = tts.NewChain(engines.Clone, engines.Fallbacks, breakers)
	return set
}

func llmTranslator(cfg *config.Config) *llm.Translator {
	if !cfg.LLM.Enabled() {
		return nil
	}
	if !cfg.Pipeline.AllowEgress {
		log.Warn("LLM translation disabled: network egress is not allowed")
		return nil
	}
	client, err := llm.NewClient(llm.Config{
		APIKey:      cfg.LLM.APIKey,
		APIURL:      cfg.LLM.APIURL,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
		Timeout:     time.Duration(cfg.LLM.Timeout) * time.Second,
		SiteURL:     cfg.LLM.SiteURL,
		AppName:     cfg.LLM.AppName,
	})
	if err != nil {
		log.Warn("LLM translation disabled: %v", err)
		return nil
	}
	log.Info("Translating with %s via %s", cfg.LLM.Model, cfg.LLM.APIURL)
	return llm.NewTranslator(client, cfg.LLM.BatchSize)
}
