package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sync"

	"github.com/castboard/realtime.go/pkg/connection"
	"github.com/castboard/realtime.go/pkg/logger"
	"github.com/castboard/realtime.go/pkg/rowstore"
)

// Config configures a Client. Either URL or NewConnection must be set; tests
// inject a fake connection through NewConnection so nothing here is a
// process-wide singleton.
type Config struct {
	// URL is the change-feed endpoint, e.g. "wss://feed.castboard.app/realtime/v1".
	URL string
	// APIKey authenticates both the websocket handshake and snapshot reads.
	APIKey string

	// Store performs snapshot reads for table subscriptions. Optional when
	// only event or presence subscriptions are used.
	Store rowstore.Store

	// Logger defaults to a text slog logger on stdout.
	Logger logger.Logger

	// NewConnection overrides how the underlying connection is built.
	// When unset, a reconnecting websocket connection is dialed from URL.
	NewConnection func(ctx context.Context) (connection.Connection, error)

	// Retryer paces reconnection attempts of the default connection.
	// Defaults to exponential backoff with jitter.
	Retryer connection.Retryer
}

// Client owns the shared connection and the channel registry. It establishes
// the connection lazily on the first subscription and memoizes it; every
// subscription multiplexes over the same handle for the life of the process.
type Client struct {
	cfg Config
	log logger.Logger
	reg *registry

	connMu sync.Mutex
	conn   connection.Connection
}

// NewClient validates the configuration and returns a Client. No connection
// is opened until the first subscription asks for one.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" && cfg.NewConnection == nil {
		return nil, errors.New("realtime: either Config.URL or Config.NewConnection is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New(slog.NewTextHandler(os.Stdout, nil))
	}

	c := &Client{
		cfg: cfg,
		log: cfg.Logger,
		reg: newRegistry(cfg.Logger),
	}
	return c, nil
}

// acquireConn returns the shared connection, dialing it on first use. Safe to
// call concurrently: acquisitions queue behind the dial, and a dial failure
// propagates to every caller waiting on it.
func (c *Client) acquireConn(ctx context.Context) (connection.Connection, error) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}

	conn, err := c.newConnection(ctx)
	if err != nil {
		return nil, err
	}
	conn.SetStatusHandler(c.onStatusChange)
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("establishing connection: %w", err)
	}

	c.conn = conn
	return c.conn, nil
}

func (c *Client) newConnection(ctx context.Context) (connection.Connection, error) {
	if c.cfg.NewConnection != nil {
		return c.cfg.NewConnection(ctx)
	}

	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint URL: %w", err)
	}

	newFunc := func(ctx context.Context) (connection.Connection, error) {
		cfg := connection.NewConfig(u)
		cfg.APIKey = c.cfg.APIKey
		cfg.Logger = c.log
		return connection.NewWebSocketConnection(cfg), nil
	}
	return connection.NewReconnecting(newFunc, c.cfg.Retryer, c.log), nil
}

// onStatusChange runs on connection goroutines. Connection loss is broadcast
// to every consumer; a successful (re)connect triggers channel rejoins, which
// in turn re-track presence and reload snapshots.
func (c *Client) onStatusChange(change connection.StatusChange) {
	switch change.Status {
	case connection.StatusDisconnected, connection.StatusClosed:
		if change.Err == nil {
			return
		}
		c.reg.each(func(ch *Channel) {
			ch.broadcastError(change.Err)
		})
	case connection.StatusConnected:
		go c.rejoinAll()
	}
}

func (c *Client) rejoinAll() {
	c.reg.each(func(ch *Channel) {
		ctx, cancel := context.WithTimeout(context.Background(), connection.DefaultSendTimeout)
		defer cancel()
		if err := ch.rejoin(ctx); err != nil {
			c.log.Error("failed to rejoin channel", "topic", ch.Topic(), "error", err)
			ch.broadcastError(err)
		}
	})
}

// Close tears down the shared connection. Subscriptions still open observe a
// connection error; they remain individually closable.
func (c *Client) Close(ctx context.Context) error {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close(ctx)
}

func joinConfigFor(d Descriptor) connection.JoinConfig {
	change := connection.PostgresChange{
		Event:  string(d.Events),
		Schema: d.Schema,
		Table:  d.Table,
	}
	if d.Filter != nil {
		change.Filter = d.Filter.Wire()
	}
	return connection.JoinConfig{PostgresChanges: []connection.PostgresChange{change}}
}
