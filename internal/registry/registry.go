// Package registry owns the bot to messaging-client identity mapping and
// the provisioning lifecycle against the messaging service.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/botpress/botpress-sub033/internal/gateway"
)

// ErrProvisioning marks failures to create or sync the remote client.
// A bot whose identity cannot be provisioned must not start.
var ErrProvisioning = errors.New("messaging client provisioning failed")

// Embedded deployments register a placeholder webhook only to obtain a
// webhook token; the real address is routed internally.
const placeholderWebhookURL = "http://dummy.com"

// Channels exposing multiple named sub-webhooks.
var channelWebhookNames = map[string][]string{
	"slack":  {"interactive", "events"},
	"vonage": {"inbound", "status"},
}

// MessagingSettings is the per-bot messaging credential block stored in the
// bot's config.
type MessagingSettings struct {
	ID       string                    `json:"id,omitempty"`
	Token    string                    `json:"token,omitempty"`
	Channels map[string]map[string]any `json:"channels,omitempty"`
}

// ConfigProvider reads and merges the messaging block of a bot's config.
type ConfigProvider interface {
	GetMessagingConfig(ctx context.Context, botID string) (MessagingSettings, error)
	MergeMessagingConfig(ctx context.Context, botID string, settings MessagingSettings) error
}

// Registry provisions messaging clients for bots and holds the two-way
// bot/client maps. The maps are instance state; collaborators needing
// reverse lookup receive the Registry itself.
type Registry struct {
	client      *gateway.Client
	configs     ConfigProvider
	logger      *slog.Logger
	externalURL string

	mu          sync.RWMutex
	botToClient map[string]string
	clientToBot map[string]string
}

// New creates a Registry.
func New(log *slog.Logger, client *gateway.Client, configs ConfigProvider, externalURL string) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		client:      client,
		configs:     configs,
		logger:      log.With(slog.String("service", "messaging_registry")),
		externalURL: strings.TrimRight(externalURL, "/"),
		botToClient: map[string]string{},
		clientToBot: map[string]string{},
	}
}

// ClientForBot returns the messaging client id provisioned for the bot.
func (r *Registry) ClientForBot(botID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.botToClient[botID]
	return id, ok
}

// BotForClient returns the bot owning the messaging client id.
func (r *Registry) BotForClient(clientID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.clientToBot[clientID]
	return id, ok
}

// LoadIdentity provisions (or re-validates) the bot's messaging client and
// syncs its channel and webhook configuration. Called on bot startup; any
// error fails the startup.
func (r *Registry) LoadIdentity(ctx context.Context, botID string) error {
	settings, err := r.configs.GetMessagingConfig(ctx, botID)
	if err != nil {
		return fmt.Errorf("read messaging config for bot %s: %w", botID, err)
	}

	// A client id claimed by another bot means the config was copied or
	// restored. Drop the stale credentials and provision fresh ones.
	if settings.ID != "" {
		if owner, ok := r.BotForClient(settings.ID); ok && owner != botID {
			r.logger.Warn("client id already in use, generating new credentials",
				slog.String("client_id", settings.ID),
				slog.String("owner_bot", owner),
				slog.String("bot_id", botID))
			settings.ID = ""
			settings.Token = ""
			settings.Channels = nil
		}
	}

	if settings.ID != "" {
		if _, err := r.client.GetClient(ctx, settings.ID); err != nil {
			r.logger.Warn("stored client id not found on messaging service, reprovisioning",
				slog.String("client_id", settings.ID), slog.String("bot_id", botID))
			settings.ID = ""
			settings.Token = ""
		}
	}

	provisioned := false
	if settings.ID == "" {
		info, err := r.client.CreateClient(ctx, botID)
		if err != nil {
			return fmt.Errorf("%w: bot %s: %v", ErrProvisioning, botID, err)
		}
		settings.ID = info.ID
		settings.Token = info.Token
		provisioned = true
	}

	// Re-assert ownership regardless of where the credentials came from.
	if err := r.client.RenameClient(ctx, settings.ID, botID); err != nil {
		return fmt.Errorf("%w: bot %s: %v", ErrProvisioning, botID, err)
	}

	if provisioned {
		if err := r.configs.MergeMessagingConfig(ctx, botID, settings); err != nil {
			return fmt.Errorf("persist messaging config for bot %s: %w", botID, err)
		}
	}

	r.mu.Lock()
	r.botToClient[botID] = settings.ID
	r.clientToBot[settings.ID] = botID
	r.mu.Unlock()

	r.client.Start(settings.ID, gateway.Credentials{ClientToken: settings.Token})

	webhookURL := placeholderWebhookURL
	if r.client.External() {
		webhookURL = r.externalURL + "/api/v1/chat/receive"
	}

	result, err := r.client.Sync(ctx, settings.ID, gateway.SyncRequest{
		Channels: templateChannels(settings.Channels),
		Webhooks: []gateway.Webhook{{URL: webhookURL}},
	})
	// Sync failure aborts bot startup: a bot without fresh webhooks would
	// silently stop receiving messages.
	if err != nil {
		return fmt.Errorf("%w: bot %s: %v", ErrProvisioning, botID, err)
	}

	var webhookToken string
	for _, webhook := range result.Webhooks {
		if webhook.URL == webhookURL {
			webhookToken = webhook.Token
		}
	}

	r.client.Start(settings.ID, gateway.Credentials{ClientToken: settings.Token, WebhookToken: webhookToken})
	r.logWebhooks(botID, settings)

	return nil
}

// UnloadIdentity removes the bot from both maps and deregisters its channel
// configuration. Called on bot shutdown.
func (r *Registry) UnloadIdentity(ctx context.Context, botID string) error {
	settings, err := r.configs.GetMessagingConfig(ctx, botID)
	if err != nil {
		return fmt.Errorf("read messaging config for bot %s: %w", botID, err)
	}
	if settings.ID == "" {
		return nil
	}

	r.mu.Lock()
	delete(r.clientToBot, settings.ID)
	delete(r.botToClient, botID)
	r.mu.Unlock()

	r.client.Stop(settings.ID)

	if _, err := r.client.Sync(ctx, settings.ID, gateway.SyncRequest{}); err != nil {
		return fmt.Errorf("deregister messaging client for bot %s: %w", botID, err)
	}
	return nil
}

func (r *Registry) logWebhooks(botID string, settings MessagingSettings) {
	for channel := range settings.Channels {
		names := channelWebhookNames[channel]
		if len(names) == 0 {
			r.logger.Info("channel webhook registered",
				slog.String("bot_id", botID),
				slog.String("channel", channel),
				slog.String("url", r.webhookURL(botID, channel, "")))
			continue
		}
		for _, name := range names {
			r.logger.Info("channel webhook registered",
				slog.String("bot_id", botID),
				slog.String("channel", channel),
				slog.String("name", name),
				slog.String("url", r.webhookURL(botID, channel, name)))
		}
	}
}

func (r *Registry) webhookURL(botID, channel, name string) string {
	url := r.externalURL + "/webhooks/" + botID + "/" + channel
	if name != "" {
		url += "/" + name
	}
	return url
}

// templateChannels expands %NAME% values in channel configs from the process
// environment, leaving anything else untouched.
func templateChannels(channels map[string]map[string]any) map[string]map[string]any {
	if channels == nil {
		return nil
	}
	out := make(map[string]map[string]any, len(channels))
	for channel, cfg := range channels {
		expanded := make(map[string]any, len(cfg))
		for key, value := range cfg {
			str, ok := value.(string)
			if ok && len(str) >= 2 && strings.HasPrefix(str, "%") && strings.HasSuffix(str, "%") {
				if env := os.Getenv(strings.Trim(str, "%")); env != "" {
					expanded[key] = env
					continue
				}
			}
			expanded[key] = value
		}
		out[channel] = expanded
	}
	return out
}
