// Command bridge is the stoatcord-bridge process: it opens the
// persistent store, connects both gateway clients, and wires the
// relay engine, outage recovery, migration authorizer, and push
// fan-out together per the component data flow (spec §2).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/tribixbite/stoatcord-bridge/internal/admin"
	"github.com/tribixbite/stoatcord-bridge/internal/config"
	"github.com/tribixbite/stoatcord-bridge/internal/echoguard"
	"github.com/tribixbite/stoatcord-bridge/internal/logging"
	"github.com/tribixbite/stoatcord-bridge/internal/migration"
	"github.com/tribixbite/stoatcord-bridge/internal/push"
	"github.com/tribixbite/stoatcord-bridge/internal/recovery"
	"github.com/tribixbite/stoatcord-bridge/internal/relay"
	"github.com/tribixbite/stoatcord-bridge/internal/sourceapi"
	"github.com/tribixbite/stoatcord-bridge/internal/store"
	"github.com/tribixbite/stoatcord-bridge/internal/targetapi"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	logging.Setup()
	log := slog.With("component", "main")

	cfg, err := config.Load()
	if err != nil {
		log.Error("load config failed", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.Error("bridge exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sqlDB, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer sqlDB.Close()
	if err := store.Migrate(sqlDB); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}
	st := store.New(sqlDB)

	source, err := sourceapi.New(cfg.SourceToken)
	if err != nil {
		return fmt.Errorf("build source client: %w", err)
	}

	target := targetapi.NewRESTClient(cfg.TargetAPIBase, cfg.TargetCDNURL, cfg.TargetToken)
	guard := echoguard.New()
	users := relay.NewUserCache(target, cfg.TargetCDNURL)
	relayEngine := relay.New(st, source, target, guard, users, cfg.TargetCDNURL)
	recoveryRunner := recovery.New(st, source, target, guard, cfg.TargetCDNURL)
	authorizer := migration.New(st, source, target)

	var pushEngine *push.Engine
	if cfg.PushEnabled {
		saJSON, err := loadFirebaseServiceAccount(cfg)
		if err != nil {
			log.Warn("push fan-out: could not load firebase service account, fcm transport disabled", "error", err)
		}
		pushEngine = push.New(push.Config{
			Target:                     target,
			Store:                      st,
			CDNURL:                     cfg.TargetCDNURL,
			FirebaseServiceAccountJSON: saJSON,
			VAPIDPublicKey:             cfg.VAPIDPublicKey,
			VAPIDPrivateKey:            cfg.VAPIDPrivateKey,
			VAPIDSubscriber:            "mailto:ops@stoatcord-bridge.invalid",
		})
	}

	source.RegisterHandlers(sourceapi.Handlers{
		OnMessageCreate: func(m sourceapi.Message) { relayEngine.HandleSourceMessage(ctx, m) },
		OnMessageUpdate: func(m sourceapi.Message) { relayEngine.HandleSourceEdit(ctx, m) },
		OnMessageDelete: func(channelID, messageID string) { relayEngine.HandleSourceDelete(ctx, channelID, messageID) },
	})

	session := targetapi.NewSession(cfg.TargetWSURL, target, cfg.TargetToken, targetapi.Handlers{
		OnReady: func(ev targetapi.ReadyEvent) {
			if pushEngine != nil {
				pushEngine.SetBotUserID(readyBotUserID(ev))
			}
			go recoveryRunner.Run(ctx)
			logging.PrintReady()
		},
		OnMessage: func(ev targetapi.MessageEvent) {
			relayEngine.HandleTargetMessage(ctx, ev)
			if pushEngine != nil {
				pushEngine.HandleMessage(ctx, ev)
			}
			for _, replyID := range ev.Replies {
				if err := authorizer.HandleReply(ctx, replyID, ev.Author, ev.Content); err != nil {
					log.Warn("migration approval reply handling failed", "error", err)
				}
			}
		},
		OnMessageUpdate: func(ev targetapi.MessageEvent) { relayEngine.HandleTargetEdit(ctx, ev) },
		OnMessageDelete: func(ev targetapi.MessageDeleteEvent) { relayEngine.HandleTargetDelete(ctx, ev) },
	})

	adminServer := admin.New(cfg.Addr(), cfg.APIKey)

	logging.PrintBanner(version, "source", "target")

	errCh := make(chan error, 3)
	go func() {
		if err := source.Open(); err != nil {
			errCh <- fmt.Errorf("source gateway: %w", err)
			return
		}
		<-ctx.Done()
		_ = source.Close()
		errCh <- nil
	}()
	go func() {
		errCh <- session.Run(ctx)
	}()
	go func() {
		errCh <- adminServer.Run(ctx)
	}()

	var firstErr error
	for i := 0; i < 3; i++ {
		if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) && firstErr == nil {
			firstErr = err
		}
	}
	session.Close()
	return firstErr
}

// readyBotUserID extracts the bot's own user id from a Ready
// frame's user list (the entry with the bot property set), per spec
// §4.3.2.
func readyBotUserID(ev targetapi.ReadyEvent) string {
	for _, u := range ev.Users {
		if u.Bot != nil {
			return u.ID
		}
	}
	return ""
}

func loadFirebaseServiceAccount(cfg *config.Config) ([]byte, error) {
	if cfg.FirebaseSAJSON != "" {
		return []byte(cfg.FirebaseSAJSON), nil
	}
	if cfg.FirebaseServiceAccount != "" {
		return os.ReadFile(cfg.FirebaseServiceAccount)
	}
	return nil, nil
}
