// Package gateway wraps the HTTP transport to the external messaging service.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// Synthetic channel used by the experimental converse flow.
const converseChannel = "messaging"

// Credentials scope gateway calls to one provisioned client.
type Credentials struct {
	ClientToken  string
	WebhookToken string
}

// Options configure the shared transport.
type Options struct {
	// URL of the messaging service. May be rebound later via SetURL when the
	// service runs embedded and its address is not known at process start.
	URL string
	// AdminKey authenticates admin calls against an external deployment.
	AdminKey string
	// InternalPassword authenticates calls in embedded deployments.
	InternalPassword string
	// External marks the messaging service as a separate deployment.
	External bool
	// Channels is the supported channel allow-list.
	Channels []string
	// ExperimentalConverse additionally allows the synthetic converse channel.
	ExperimentalConverse bool
}

// Client is the authenticated transport to the messaging service, shared by
// all bots. Per-client credentials are registered with Start and attached to
// client-scoped calls.
type Client struct {
	http     *resty.Client
	logger   *slog.Logger
	external bool
	channels []string

	mu    sync.RWMutex
	creds map[string]Credentials
}

// NewClient builds the shared transport.
func NewClient(log *slog.Logger, opts Options) *Client {
	if log == nil {
		log = slog.Default()
	}

	http := resty.New().
		SetBaseURL(opts.URL).
		SetTimeout(30 * time.Second)
	if opts.External {
		http.SetHeader("x-bp-messaging-admin-key", opts.AdminKey)
	} else {
		// Embedded deployments authenticate with the shared internal password
		// and must never route through a proxy.
		http.SetHeader("password", opts.InternalPassword)
		http.RemoveProxy()
	}

	channels := append([]string{}, opts.Channels...)
	if opts.ExperimentalConverse {
		channels = append(channels, converseChannel)
	}

	return &Client{
		http:     http,
		logger:   log.With(slog.String("component", "messaging_client")),
		external: opts.External,
		channels: channels,
		creds:    map[string]Credentials{},
	}
}

// External reports whether the transport targets a separate deployment.
func (c *Client) External() bool {
	return c.external
}

// SetURL rebinds the transport base URL. Embedded deployments call this once
// the messaging service has announced its address.
func (c *Client) SetURL(url string) {
	c.http.SetBaseURL(url)
}

// IsChannelSupported reports whether the channel is in the allow-list.
func (c *Client) IsChannelSupported(name string) bool {
	return slices.Contains(c.channels, name)
}

// Channels returns a copy of the allow-list.
func (c *Client) Channels() []string {
	return append([]string{}, c.channels...)
}

// Start registers credentials for a provisioned client, making client-scoped
// calls possible for it.
func (c *Client) Start(clientID string, creds Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.creds[clientID] = creds
}

// Stop forgets a client's credentials.
func (c *Client) Stop(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.creds, clientID)
}

// VerifyWebhookToken checks an inbound webhook token against the credentials
// registered for the client.
func (c *Client) VerifyWebhookToken(clientID, token string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	creds, ok := c.creds[clientID]
	return ok && creds.WebhookToken != "" && creds.WebhookToken == token
}

func (c *Client) clientToken(clientID string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	creds, ok := c.creds[clientID]
	if !ok {
		return "", fmt.Errorf("no credentials registered for client %s", clientID)
	}
	return creds.ClientToken, nil
}

// ClientInfo describes a provisioned messaging client.
type ClientInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Token string `json:"token,omitempty"`
}

// Webhook is one registered webhook with its access token.
type Webhook struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

// SyncRequest pushes the desired channel and webhook configuration for a
// client. An empty request deregisters everything.
type SyncRequest struct {
	Channels map[string]map[string]any `json:"channels,omitempty"`
	Webhooks []Webhook                 `json:"webhooks,omitempty"`
}

// SyncResult is the applied configuration, with webhook tokens filled in.
type SyncResult struct {
	Webhooks []Webhook `json:"webhooks"`
}

// Message is a message record owned by the messaging service.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversationId"`
	AuthorID       string         `json:"authorId,omitempty"`
	Payload        map[string]any `json:"payload"`
}

// CreateClient provisions a new client named after the bot.
func (c *Client) CreateClient(ctx context.Context, name string) (ClientInfo, error) {
	var info ClientInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"name": name}).
		SetResult(&info).
		Post("/api/v1/admin/clients")
	if err != nil {
		return ClientInfo{}, fmt.Errorf("create client: %w", err)
	}
	if resp.IsError() {
		return ClientInfo{}, fmt.Errorf("create client: status %s: %s", resp.Status(), resp.String())
	}
	return info, nil
}

// GetClient fetches a provisioned client by id.
func (c *Client) GetClient(ctx context.Context, clientID string) (ClientInfo, error) {
	var info ClientInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&info).
		Get("/api/v1/admin/clients/" + clientID)
	if err != nil {
		return ClientInfo{}, fmt.Errorf("get client: %w", err)
	}
	if resp.IsError() {
		return ClientInfo{}, fmt.Errorf("get client: status %s: %s", resp.Status(), resp.String())
	}
	return info, nil
}

// RenameClient re-asserts ownership by naming the remote client after the bot.
func (c *Client) RenameClient(ctx context.Context, clientID, name string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"name": name}).
		Put("/api/v1/admin/clients/" + clientID)
	if err != nil {
		return fmt.Errorf("rename client: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("rename client: status %s: %s", resp.Status(), resp.String())
	}
	return nil
}

// Sync pushes channel and webhook configuration for a client.
func (c *Client) Sync(ctx context.Context, clientID string, req SyncRequest) (SyncResult, error) {
	var result SyncResult
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&result).
		Post("/api/v1/admin/clients/" + clientID + "/sync")
	if err != nil {
		return SyncResult{}, fmt.Errorf("sync client: %w", err)
	}
	if resp.IsError() {
		return SyncResult{}, fmt.Errorf("sync client: status %s: %s", resp.Status(), resp.String())
	}
	return result, nil
}

// CreateMessage sends an outgoing message on a conversation. A non-empty
// collectingID asks the service to correlate this message with the inbound
// turn it answers.
func (c *Client) CreateMessage(ctx context.Context, clientID, conversationID, authorID string, payload map[string]any, collectingID string) (Message, error) {
	token, err := c.clientToken(clientID)
	if err != nil {
		return Message{}, err
	}

	body := map[string]any{
		"conversationId": conversationID,
		"payload":        payload,
	}
	if authorID != "" {
		body["authorId"] = authorID
	}
	if collectingID != "" {
		body["incomingId"] = collectingID
	}

	var msg Message
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("x-bp-messaging-client-id", clientID).
		SetHeader("x-bp-messaging-client-token", token).
		SetBody(body).
		SetResult(&msg).
		Post("/api/v1/messages")
	if err != nil {
		return Message{}, fmt.Errorf("create message: %w", err)
	}
	if resp.IsError() {
		return Message{}, fmt.Errorf("create message: status %s: %s", resp.Status(), resp.String())
	}
	return msg, nil
}

// EndTurn tells the messaging service that all bot-side work for the inbound
// message is done.
func (c *Client) EndTurn(ctx context.Context, clientID, messageID string) error {
	token, err := c.clientToken(clientID)
	if err != nil {
		return err
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("x-bp-messaging-client-id", clientID).
		SetHeader("x-bp-messaging-client-token", token).
		Post("/api/v1/messages/" + messageID + "/turn")
	if err != nil {
		return fmt.Errorf("end turn: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("end turn: status %s: %s", resp.Status(), resp.String())
	}
	return nil
}
