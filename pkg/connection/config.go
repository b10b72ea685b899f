package connection

import (
	"log/slog"
	"net/url"
	"os"
	"time"

	"github.com/castboard/realtime.go/internal/codec"
	"github.com/castboard/realtime.go/pkg/logger"
)

// Config carries everything a connection needs. Build one with NewConfig and
// adjust fields before handing it to NewWebSocketConnection.
type Config struct {
	// BaseURL is the change-feed endpoint, e.g. "wss://feed.castboard.app/realtime/v1".
	BaseURL string
	// APIKey is sent as a query parameter on the websocket handshake.
	APIKey string

	Marshaler   codec.Marshaler
	Unmarshaler codec.Unmarshaler
	Logger      logger.Logger

	// SendTimeout bounds the wait for a reply after a successful write.
	// Zero disables the internal timeout; use context deadlines instead.
	SendTimeout time.Duration
	// HeartbeatInterval is the heartbeat period. Zero disables heartbeats,
	// which is only sensible in tests.
	HeartbeatInterval time.Duration
}

// NewConfig returns a Config with the JSON wire codec, a text slog logger and
// the default timings.
func NewConfig(u *url.URL) *Config {
	jsonCodec := codec.NewJSON()
	return &Config{
		BaseURL:           u.String(),
		Marshaler:         jsonCodec,
		Unmarshaler:       jsonCodec,
		Logger:            logger.New(slog.NewTextHandler(os.Stdout, nil)),
		SendTimeout:       DefaultSendTimeout,
		HeartbeatInterval: DefaultHeartbeatInterval,
	}
}
