package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/botpress/botpress-sub033/internal/broadcast"
	"github.com/botpress/botpress-sub033/internal/chat"
	"github.com/botpress/botpress-sub033/internal/collector"
	"github.com/botpress/botpress-sub033/internal/config"
	"github.com/botpress/botpress-sub033/internal/conversations"
	"github.com/botpress/botpress-sub033/internal/events"
	"github.com/botpress/botpress-sub033/internal/gateway"
	"github.com/botpress/botpress-sub033/internal/listener"
	"github.com/botpress/botpress-sub033/internal/logger"
	"github.com/botpress/botpress-sub033/internal/messages"
	"github.com/botpress/botpress-sub033/internal/outgoing"
	"github.com/botpress/botpress-sub033/internal/registry"
	"github.com/botpress/botpress-sub033/internal/server"
	"github.com/botpress/botpress-sub033/internal/storage"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			provideBroadcaster,
			provideGatewayClient,
			provideDispatcher,
			provideEngine,
			storage.NewConversationStore,
			storage.NewMessageStore,
			storage.NewMappingStore,
			storage.NewKVStore,
			storage.NewBotConfigStore,
			storage.NewEventStore,
			provideRegistry,
			provideCollector,
			provideConversations,
			provideMessages,
			provideChat,
			provideListener,
			provideWebhookHandler,
			provideServer,
		),
		fx.Invoke(
			startOutgoingPipeline,
			startListener,
			startBots,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx := context.Background()
	pool, err := storage.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if err := storage.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db migrate: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { pool.Close(); return nil }})
	return pool, nil
}

func provideBroadcaster(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (broadcast.Broadcaster, error) {
	var caster broadcast.Broadcaster
	if cfg.Broadcast.URL == "" {
		caster = broadcast.NewLocal(log)
	} else {
		amqp, err := broadcast.NewAMQP(log, cfg.Broadcast.URL, cfg.Broadcast.Exchange)
		if err != nil {
			return nil, fmt.Errorf("broadcast connect: %w", err)
		}
		caster = amqp
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return caster.Close() }})
	return caster, nil
}

func provideGatewayClient(log *slog.Logger, cfg config.Config) *gateway.Client {
	return gateway.NewClient(log, gateway.Options{
		URL:                  cfg.Messaging.URL(),
		AdminKey:             cfg.Messaging.AdminKey,
		InternalPassword:     cfg.Messaging.InternalPassword,
		External:             cfg.Messaging.External(),
		Channels:             cfg.Messaging.Channels,
		ExperimentalConverse: cfg.Messaging.ExperimentalConverse,
	})
}

func provideDispatcher(log *slog.Logger) *gateway.Dispatcher {
	return gateway.NewDispatcher(log)
}

func provideEngine(log *slog.Logger) *events.MemoryEngine {
	return events.NewMemoryEngine(log)
}

func provideRegistry(log *slog.Logger, client *gateway.Client, configs *storage.BotConfigStore, cfg config.Config) *registry.Registry {
	return registry.New(log, client, configs, cfg.Messaging.ExternalURL)
}

func provideCollector(log *slog.Logger, client *gateway.Client, engine *events.MemoryEngine, reg *registry.Registry) *collector.Collector {
	return collector.New(log, client, engine, reg)
}

func provideConversations(log *slog.Logger, repo *storage.ConversationStore, mappings *storage.MappingStore, caster broadcast.Broadcaster) (*conversations.Service, error) {
	return conversations.NewService(log, repo, mappings, caster)
}

func provideMessages(log *slog.Logger, repo *storage.MessageStore, convs *conversations.Service) *messages.Service {
	return messages.NewService(log, repo, convs)
}

func provideChat(log *slog.Logger, engine *events.MemoryEngine, convs *conversations.Service, msgs *messages.Service, kv *storage.KVStore, caster broadcast.Broadcaster) (*chat.Service, error) {
	return chat.NewService(log, engine, convs, msgs, kv, caster)
}

func provideListener(log *slog.Logger, engine *events.MemoryEngine, client *gateway.Client, reg *registry.Registry, coll *collector.Collector, eventStore *storage.EventStore) *listener.Listener {
	return listener.New(log, engine, client, reg, coll, eventStore)
}

func provideWebhookHandler(log *slog.Logger, client *gateway.Client, dispatcher *gateway.Dispatcher) *server.WebhookHandler {
	return server.NewWebhookHandler(log, client, dispatcher)
}

func provideServer(cfg config.Config, webhook *server.WebhookHandler) *server.Server {
	return server.NewServer(cfg.Server.Addr, webhook)
}

func startOutgoingPipeline(log *slog.Logger, engine *events.MemoryEngine, client *gateway.Client, reg *registry.Registry, coll *collector.Collector, cfg config.Config) error {
	if err := engine.Register(outgoing.NewURLFixer(cfg.Messaging.ExternalURL)); err != nil {
		return fmt.Errorf("register url fixer: %w", err)
	}
	dispatch := outgoing.NewDispatcher(log, client, reg, coll)
	if err := engine.Register(dispatch.Middleware()); err != nil {
		return fmt.Errorf("register dispatch: %w", err)
	}
	return nil
}

func startListener(l *listener.Listener, dispatcher *gateway.Dispatcher) {
	l.Attach(dispatcher)
}

func startBots(lc fx.Lifecycle, log *slog.Logger, reg *registry.Registry, coll *collector.Collector, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			for _, botID := range cfg.Messaging.Bots {
				if err := reg.LoadIdentity(ctx, botID); err != nil {
					return fmt.Errorf("load bot %s: %w", botID, err)
				}
				log.Info("bot messaging ready", slog.String("bot_id", botID))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			coll.Flush()
			for _, botID := range cfg.Messaging.Bots {
				if err := reg.UnloadIdentity(ctx, botID); err != nil {
					log.Warn("failed to unload bot messaging",
						slog.String("bot_id", botID),
						slog.Any("error", err),
					)
				}
			}
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, log *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
