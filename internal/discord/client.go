package discord

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultAPIBase    = "https://discord.com/api/v10"
	DefaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

	userAgent = "DiscordBot (https://github.com/ahnafnafee/eas-discord-build-notify, 1.0)"
)

var ErrNotReady = errors.New("discord channel is not ready")

type Config struct {
	Token      string
	ChannelID  string
	APIBase    string
	GatewayURL string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Channel is the text channel notifications are posted to. It is not
// modified once Ready returns it.
type Channel struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	GuildID string `json:"guild_id"`
	Type    int    `json:"type"`
}

// Client logs the bot in over the gateway, resolves the configured channel
// once, and posts messages to it over REST.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
	dialer *websocket.Dialer

	// retryDelay is the first backoff step for gateway dials and channel fetches.
	retryDelay time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	startOnce sync.Once
	done      chan struct{}
	channel   *Channel
	err       error

	sessionMu sync.Mutex
	session   *session
}

func New(cfg Config) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	if cfg.GatewayURL == "" {
		cfg.GatewayURL = DefaultGatewayURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:        cfg,
		http:       httpClient,
		logger:     logger.With(zap.String("component", "discord")),
		dialer:     websocket.DefaultDialer,
		retryDelay: time.Second,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Start begins the gateway handshake in the background, bound to the client's
// own lifetime rather than a caller context; Close ends it. Calling it more
// than once has no effect; Ready calls it too.
func (c *Client) Start() {
	c.startOnce.Do(func() {
		go func() {
			channel, err := c.connect(c.ctx)
			c.channel, c.err = channel, err
			close(c.done)
		}()
	})
}

// Ready blocks until the channel has been resolved or ctx ends. Every caller
// gets the same result.
func (c *Client) Ready(ctx context.Context) (*Channel, error) {
	c.Start()

	select {
	case <-c.done:
		return c.channel, c.err
	default:
	}

	select {
	case <-c.done:
		return c.channel, c.err
	case <-ctx.Done():
		return nil, errors.Join(ErrNotReady, ctx.Err())
	}
}

// Close ends the gateway session. Pending Ready calls fail.
func (c *Client) Close() error {
	c.sessionMu.Lock()
	c.cancel()
	s := c.session
	c.session = nil
	c.sessionMu.Unlock()
	if s != nil {
		return s.close()
	}
	return nil
}

func (c *Client) connect(ctx context.Context) (*Channel, error) {
	if err := c.openSession(ctx); err != nil {
		return nil, err
	}
	channel, err := c.resolveChannel(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Info("discord channel ready",
		zap.String("channel_id", channel.ID),
		zap.String("channel_name", channel.Name),
	)
	return channel, nil
}
