package realtime

import (
	"context"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/castboard/realtime.go/pkg/connection"
	"github.com/castboard/realtime.go/pkg/logger"
)

// registry holds at most one live Channel per canonical topic and refcounts
// consumers onto it.
type registry struct {
	channels *xsync.MapOf[string, *Channel]
	log      logger.Logger
}

func newRegistry(log logger.Logger) *registry {
	return &registry{
		channels: xsync.NewMapOf[string, *Channel](),
		log:      log,
	}
}

// acquire returns the live channel for the topic, joining it first if this is
// the first consumer. A join that fails removes the channel so the next
// acquisition starts clean.
func (r *registry) acquire(ctx context.Context, conn connection.Connection, topic string, cfg connection.JoinConfig) (*Channel, error) {
	for {
		ch, _ := r.channels.LoadOrStore(topic, newChannel(conn, topic, cfg, r.log))
		if !ch.retain() {
			// Lost a race with the last release; that channel is on its way
			// out of the map.
			continue
		}

		if err := ch.ensureJoined(ctx); err != nil {
			if ch.releaseRef() {
				r.remove(topic, ch)
			}
			return nil, err
		}
		return ch, nil
	}
}

// release drops one consumer reference. The last release removes the channel
// from the registry synchronously and leaves the server fire-and-forget, so a
// failed leave can never block re-acquiring the same topic.
func (r *registry) release(ch *Channel) {
	if !ch.releaseRef() {
		return
	}
	r.remove(ch.topic, ch)
	if ch.joinErr == nil {
		ch.leave()
	}
}

func (r *registry) remove(topic string, ch *Channel) {
	r.channels.Compute(topic, func(cur *Channel, loaded bool) (*Channel, bool) {
		if !loaded || cur != ch {
			return cur, !loaded
		}
		return nil, true
	})
}

func (r *registry) each(fn func(*Channel)) {
	r.channels.Range(func(_ string, ch *Channel) bool {
		fn(ch)
		return true
	})
}
