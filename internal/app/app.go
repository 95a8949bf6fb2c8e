// Package app aggregates configuration and shared dependencies for the
// CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"tariffwatch/internal/alerting"
	"tariffwatch/internal/auth"
	"tariffwatch/internal/config"
	"tariffwatch/internal/coordinator"
	"tariffwatch/internal/ekzapi"
	"tariffwatch/internal/logging"
	"tariffwatch/internal/publisher"
	"tariffwatch/internal/scheduler"
	"tariffwatch/internal/service"
	"tariffwatch/internal/storage"
)

// App holds configuration and the root logger for CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openPublisher() (*publisher.Publisher, error) {
	if !a.Config.MQTT.Enabled {
		return nil, nil
	}
	return publisher.New(publisher.Options{
		Broker:          a.Config.MQTT.Broker,
		Username:        a.Config.MQTT.Username,
		Password:        a.Config.MQTT.Password,
		ClientID:        a.Config.MQTT.ClientID,
		TopicPrefix:     a.Config.MQTT.TopicPrefix,
		DiscoveryPrefix: a.Config.MQTT.DiscoveryPrefix,
		QoS:             byte(a.Config.MQTT.QoS),
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled || !a.Config.Alerting.Telegram.Enabled {
		return nil
	}
	cfg := a.Config.Alerting.Telegram
	return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
}

// buildEntry assembles the fetcher, token manager, coordinator, and EMS
// link checker for one configured entry.
func (a *App) buildEntry(entryCfg config.EntryConfig, sink coordinator.SnapshotSink, linkSink coordinator.LinkSink, archive coordinator.SlotArchiver) (*service.Entry, error) {
	var fetcher ekzapi.SlotFetcher
	var linkChecker *coordinator.LinkChecker

	entryLogger := logging.ForEntry(a.Logger, entryCfg.ID)

	coordOpts := coordinator.Options{
		EntryID:        entryCfg.ID,
		TariffName:     entryCfg.TariffName,
		MeteringPoint:  entryCfg.MeteringPoint,
		IncludeVAT:     a.Config.Derive.IncludeVAT,
		WindowMinutes:  a.Config.Derive.WindowMinutes,
		Quantiles:      a.Config.Derive.Quantiles,
		Location:       a.Config.Location(),
		MaxAttempts:    a.Config.Retry.MaxAttempts,
		InitialBackoff: a.Config.Retry.InitialBackoff,
		MaxBackoff:     a.Config.Retry.MaxBackoff,
	}

	switch entryCfg.AuthType {
	case config.AuthPublic:
		fetcher = ekzapi.NewPublic(ekzapi.PublicOptions{
			BaseURL:    a.Config.API.BaseURL,
			TariffName: entryCfg.TariffName,
			Timeout:    a.Config.API.RequestTimeout,
			UserAgent:  a.Config.API.UserAgent,
		}, entryLogger)

	case config.AuthOAuth:
		tokens := auth.NewManager(auth.Options{
			TokenURL:     a.Config.OAuth.TokenURL,
			ClientID:     a.Config.OAuth.ClientID,
			ClientSecret: a.Config.OAuth.ClientSecret,
			RefreshToken: entryCfg.RefreshToken,
			Timeout:      a.Config.OAuth.Timeout,
		}, entryLogger)

		customer := ekzapi.NewCustomer(ekzapi.CustomerOptions{
			BaseURL:       a.Config.API.BaseURL,
			EMSInstanceID: entryCfg.EMSInstanceID,
			RedirectURI:   entryCfg.RedirectURI,
			Timeout:       a.Config.API.RequestTimeout,
			UserAgent:     a.Config.API.UserAgent,
		}, tokens, entryLogger)
		fetcher = customer

		coord := coordinator.New(coordOpts, fetcher, sink, archive, a.Logger)
		linkChecker = coordinator.NewLinkChecker(entryCfg.ID, customer, linkSink, func() {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
				defer cancel()
				if err := coord.Refresh(ctx); err != nil {
					a.Logger.Warn().Err(err).Str("entry_id", entryCfg.ID).Msg("refresh after ems linking failed")
				}
			}()
		}, a.Logger)

		return &service.Entry{ID: entryCfg.ID, Coordinator: coord, LinkChecker: linkChecker}, nil

	default:
		return nil, fmt.Errorf("entry %q: unsupported auth type %q", entryCfg.ID, entryCfg.AuthType)
	}

	coord := coordinator.New(coordOpts, fetcher, sink, archive, a.Logger)
	return &service.Entry{ID: entryCfg.ID, Coordinator: coord}, nil
}

// buildService wires storage, publisher, and all entries into a service.
func (a *App) buildService(ctx context.Context) (*service.Service, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}

	pub, err := a.openPublisher()
	if err != nil {
		if closeStore != nil {
			closeStore()
		}
		return nil, nil, err
	}

	var sink coordinator.SnapshotSink
	var linkSink coordinator.LinkSink
	if pub != nil {
		sink = pub
		linkSink = pub
	}

	var archive coordinator.SlotArchiver
	var slots storage.SlotStore
	var refreshLog storage.RefreshLogStore
	var locker storage.AdvisoryLocker
	if store != nil {
		archive = store
		slots = store
		refreshLog = store
		locker = store
	}

	entries := make([]*service.Entry, 0, len(a.Config.Entries))
	for _, entryCfg := range a.Config.Entries {
		entry, err := a.buildEntry(entryCfg, sink, linkSink, archive)
		if err != nil {
			if closeStore != nil {
				closeStore()
			}
			return nil, nil, err
		}
		entries = append(entries, entry)
	}

	sched := scheduler.New(scheduler.Options{
		Hour:         a.Config.Fetch.Hour,
		Minute:       a.Config.Fetch.Minute,
		Location:     a.Config.Location(),
		StartupDelay: a.Config.Fetch.StartupDelay,
	}, a.Logger)

	svc := service.New(sched, entries, slots, refreshLog, locker, a.Config.Fetch.AdvisoryLockKey, a.newNotifier(), a.Config.Location(), a.Logger)

	closer := func() {
		if pub != nil {
			pub.Close()
		}
		if closeStore != nil {
			closeStore()
		}
	}
	return svc, closer, nil
}

// Run executes the long-running refresh service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	svc, closer, err := a.buildService(ctx)
	if err != nil {
		return err
	}
	defer closer()

	svc.Bootstrap(ctx)

	a.Logger.Info().
		Int("entries", len(svc.Entries())).
		Int("fetch_hour", a.Config.Fetch.Hour).
		Int("fetch_minute", a.Config.Fetch.Minute).
		Msg("starting tariff refresh service")

	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("tariff refresh service stopped")
	return nil
}

// ExportOptions hold parameters for exporting a day's price curve.
type ExportOptions struct {
	EntryID   string
	Day       time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	EntryID string
	Limit   int
}

// RefreshOptions configure the one-shot refresh command.
type RefreshOptions struct {
	EntryID string
}

// EMSStatusOptions configure the ems-status command.
type EMSStatusOptions struct {
	EntryID string
}
