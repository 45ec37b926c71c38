// Command pidgeond runs the Pidgeon scheduled-publishing DVM: it
// listens for NIP-59 gift-wrapped requests, derives per-user secrets,
// schedules due publishes, and flushes per-user mailbox shards with
// the results.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"

	"github.com/mavilabart/pidgeon/internal/bootstrap"
	"github.com/mavilabart/pidgeon/internal/config"
	"github.com/mavilabart/pidgeon/internal/intake"
	"github.com/mavilabart/pidgeon/internal/keyderiv"
	"github.com/mavilabart/pidgeon/internal/logging"
	"github.com/mavilabart/pidgeon/internal/mailbox"
	"github.com/mavilabart/pidgeon/internal/nostrtransport"
	"github.com/mavilabart/pidgeon/internal/publisher"
	"github.com/mavilabart/pidgeon/internal/scheduler"
	"github.com/mavilabart/pidgeon/internal/store"
	"github.com/mavilabart/pidgeon/internal/support"
	"github.com/mavilabart/pidgeon/internal/workqueue"
)

const derivedSecretCacheSize = 4096
const inboxRelayCacheSize = 4096
const shutdownGrace = 8 * time.Second

// requestQueueCapacity is spec.md §5's fixed request-queue cap; only
// its concurrency is operator-configurable (cfg.RequestConcurrency).
// The support-verify queue's matching constants live alongside its
// queue in internal/support.
const requestQueueCapacity = 3000

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	secretFlag := flag.String("secret", "", "DVM private key, hex or nsec (overrides DVM_SECRET)")
	dataDirFlag := flag.String("data-dir", "", "override data directory")
	logLevelFlag := flag.String("log-level", "", "override log level (debug, info, warn, error)")
	var relayFlag, indexerFlag, publishFlag []string
	flag.Var(config.RepeatableFlag(&relayFlag), "relay", "DVM relay (repeatable, overrides DVM_RELAYS)")
	flag.Var(config.RepeatableFlag(&indexerFlag), "indexer-relay", "indexer relay (repeatable, overrides the configured indexer relays)")
	flag.Var(config.RepeatableFlag(&publishFlag), "publish-relay", "publish relay (repeatable, overrides the configured publish relays)")
	loadTestFlag := flag.Bool("loadtest", false, "allow private/localhost relay URLs")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *secretFlag != "" {
		cfg.Secret = *secretFlag
	}
	if *dataDirFlag != "" {
		cfg.DataDir = *dataDirFlag
	}
	if *logLevelFlag != "" {
		cfg.LogLevel = *logLevelFlag
	}
	if len(relayFlag) > 0 {
		cfg.Relays = relayFlag
	}
	if len(indexerFlag) > 0 {
		cfg.IndexerRelays = indexerFlag
	}
	if len(publishFlag) > 0 {
		cfg.PublishRelays = publishFlag
	}
	if *loadTestFlag {
		cfg.LoadTest = true
	}
	if err := cfg.ResolveSecretHex(); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	log := logging.Setup(cfg.LogLevel, cfg.LogPretty)
	dvmPub, err := nostr.GetPublicKey(cfg.Secret)
	if err != nil {
		log.Error().Err(err).Msg("deriving dvm public key")
		os.Exit(1)
	}
	log.Info().Str("pubkey", logging.ShortPK(dvmPub)).Int("relays", len(cfg.Relays)).Msg("starting pidgeond")

	jobs, err := store.OpenJobsStore(cfg.DataDir)
	if err != nil {
		log.Error().Err(err).Msg("opening jobs store")
		os.Exit(1)
	}
	defer jobs.Close()

	appdata, err := store.OpenAppDataStore(cfg.DataDir)
	if err != nil {
		log.Error().Err(err).Msg("opening app data store")
		os.Exit(1)
	}
	defer appdata.Close()

	deriver := keyderiv.New(cfg.Secret, dvmPub, derivedSecretCacheSize)
	pool := nostrtransport.NewPool()
	gate := support.New(appdata, cfg.Support)

	publishRelays := cfg.PublishRelays
	if len(publishRelays) == 0 {
		publishRelays = cfg.Relays
	}

	flusher := mailbox.NewFlusher(pool, jobs, appdata, deriver, cfg.Secret, publishRelays, cfg.MailboxDebounce, cfg.MailboxFlushWorkers)

	fetcher := support.NewSafeFetcher(time.Duration(cfg.Support.Payment.VerifyTimeoutMS)*time.Millisecond, cfg.LoadTest)
	invoices := support.NewInvoiceManager(appdata, fetcher, cfg.Support.Payment, flusher.QueueMailboxPublish, log)

	boot := bootstrap.New(cfg.Secret, bootstrap.Profile{Name: cfg.Name, About: cfg.About, Picture: cfg.Picture}, cfg.Relays, cfg.IndexerRelays, pool, log)
	reachable := boot.ProbeIndexers()
	log.Info().Int("reachable", len(reachable)).Int("configured", len(cfg.IndexerRelays)).Msg("indexer relays probed")

	pub := publisher.New(publisher.Config{
		Relays:        publishRelays,
		IndexerRelays: reachable,
		DVMRelays:     cfg.Relays,
		LoadTest:      cfg.LoadTest,
		MaxRelays:     cfg.MaxPublishRelays,
	}, pool, jobs, flusher, inboxRelayCacheSize, log)

	sched := scheduler.New(func(id string) {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		pub.Publish(ctx, id)
	})

	handler := intake.NewHandler(cfg.Secret, dvmPub, cfg.Relays, cfg.LoadTest, cfg.MaxPublishRelays, pool, jobs, deriver, gate, invoices, flusher, sched, pub.Publish, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	restoreSaved(jobs, sched, log)
	boot.PublishAll(ctx)

	go runRequestSubscription(ctx, pool, cfg.Relays, dvmPub, handler, cfg.RequestConcurrency, log)
	go runDeletionSubscription(ctx, pool, cfg.Relays, dvmPub, handler, log)
	go runInvoicePoller(ctx, invoices, cfg.Support.Payment, log)

	<-ctx.Done()
	log.Info().Msg("shutdown signal received, draining")

	sched.Stop()
	pub.Drain(shutdownGrace)
	flusher.FlushAllMailboxes(shutdownGrace)

	log.Info().Msg("pidgeond stopped")
}

// restoreSaved re-arms the scheduler for every job left in scheduled
// status at boot. The publisher's pre-publish recovery check (a
// single-event query against the target relay set) guards against a
// duplicate publish if a previous process already delivered it before
// crashing.
func restoreSaved(jobs *store.JobsStore, sched *scheduler.Scheduler, log zerolog.Logger) {
	pending, err := jobs.ListPending()
	if err != nil {
		log.Error().Err(err).Msg("listing pending jobs at boot")
		return
	}
	for _, j := range pending {
		sched.Schedule(j.ID, j.ScheduledAt)
	}
	log.Info().Int("jobs", len(pending)).Msg("restored pending jobs")
}

// runRequestSubscription feeds every inbound kind-1059 wrap through a
// bounded, dedup-keyed queue (spec.md §5: concurrency 4, cap 3000,
// dedup keyed by the incoming event id) instead of spawning an
// unbounded goroutine per event.
func runRequestSubscription(ctx context.Context, pool *nostrtransport.Pool, relays []string, dvmPub string, handler *intake.Handler, concurrency int, log zerolog.Logger) {
	queue := workqueue.New(workqueue.Config{
		Name:        "request",
		Concurrency: concurrency,
		Capacity:    requestQueueCapacity,
	}, log, func(wrap nostr.Event) {
		handler.HandleGiftWrap(ctx, wrap)
	})

	filter := nostr.Filter{Kinds: []int{1059}, Tags: nostr.TagMap{"p": []string{dvmPub}}}
	events := pool.Subscribe(ctx, relays, filter)
	for ev := range events {
		if ev.Event == nil {
			continue
		}
		wrap := *ev.Event
		if !queue.Push(wrap.ID, wrap) {
			log.Debug().Str("wrapId", wrap.ID).Msg("request queue dropped wrap: duplicate or at capacity")
		}
	}
	log.Info().Msg("request subscription closed")
}

func runDeletionSubscription(ctx context.Context, pool *nostrtransport.Pool, relays []string, dvmPub string, handler *intake.Handler, log zerolog.Logger) {
	filter := nostr.Filter{Kinds: []int{5}, Tags: nostr.TagMap{"p": []string{dvmPub}}}
	events := pool.Subscribe(ctx, relays, filter)
	for ev := range events {
		if ev.Event == nil {
			continue
		}
		handler.HandleDeletion(ctx, *ev.Event)
	}
	log.Info().Msg("deletion subscription closed")
}

func runInvoicePoller(ctx context.Context, invoices *support.InvoiceManager, policy config.PaymentConfig, log zerolog.Logger) {
	interval := time.Duration(policy.VerifyPollSec) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			invoices.PollPending(ctx)
		}
	}
}
