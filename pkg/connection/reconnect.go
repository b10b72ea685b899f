package connection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/castboard/realtime.go/pkg/logger"
)

// Reconnecting wraps a Connection and redials it when it drops.
//
// Subscribers keep stable delivery channels across reconnects: each topic
// gets a routing goroutine that copies messages from the current underlying
// connection's channel into the stable one, and the route is re-pointed at
// the fresh connection after every redial. The subscription layer observes a
// StatusConnected transition after each successful redial and re-joins its
// channels then; events lost while disconnected are not replayed here.
type Reconnecting struct {
	// NewFunc creates the underlying connection for the initial dial and
	// every redial. Underlying connections are single-use.
	NewFunc func(ctx context.Context) (Connection, error)

	// Retryer paces redial attempts. Defaults to exponential backoff.
	Retryer Retryer

	logger logger.Logger

	mu      sync.Mutex
	inner   Connection
	routes  map[string]*topicRoute
	handler func(StatusChange)

	reconnecting bool

	closeChan chan struct{}
	closeOnce sync.Once
}

var _ Connection = (*Reconnecting)(nil)

type topicRoute struct {
	stable chan Message
	stop   chan struct{}
	done   chan struct{}
}

// NewReconnecting wraps newFunc with redial behavior.
func NewReconnecting(newFunc func(ctx context.Context) (Connection, error), retryer Retryer, log logger.Logger) *Reconnecting {
	if retryer == nil {
		retryer = NewExponentialBackoffRetryer()
	}
	return &Reconnecting{
		NewFunc:   newFunc,
		Retryer:   retryer,
		logger:    log,
		routes:    make(map[string]*topicRoute),
		closeChan: make(chan struct{}),
	}
}

func (rc *Reconnecting) SetStatusHandler(fn func(StatusChange)) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.handler = fn
}

func (rc *Reconnecting) notify(change StatusChange) {
	rc.mu.Lock()
	fn := rc.handler
	rc.mu.Unlock()
	if fn != nil {
		fn(change)
	}
}

// Connect performs the initial dial. A failed initial dial is returned to the
// caller rather than retried: it is usually misconfiguration, and the caller
// decides whether to retry, log, or exit.
func (rc *Reconnecting) Connect(ctx context.Context) error {
	conn, err := rc.dial(ctx)
	if err != nil {
		return err
	}

	rc.mu.Lock()
	rc.inner = conn
	rc.mu.Unlock()

	rc.notify(StatusChange{Status: StatusConnected})
	return nil
}

func (rc *Reconnecting) dial(ctx context.Context) (Connection, error) {
	conn, err := rc.NewFunc(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating connection: %w", err)
	}

	conn.SetStatusHandler(func(change StatusChange) {
		if change.Status != StatusDisconnected || change.Err == nil {
			return
		}
		rc.onConnectionLost(conn, change.Err)
	})

	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}
	return conn, nil
}

// onConnectionLost starts the redial loop, once, for the connection that
// actually failed. Stale notifications from already-replaced connections are
// ignored.
func (rc *Reconnecting) onConnectionLost(from Connection, cause error) {
	rc.mu.Lock()
	if rc.inner != from || rc.reconnecting {
		rc.mu.Unlock()
		return
	}
	rc.reconnecting = true
	rc.mu.Unlock()

	rc.notify(StatusChange{Status: StatusDisconnected, Err: cause})
	go rc.reconnectLoop(cause)
}

func (rc *Reconnecting) reconnectLoop(lastErr error) {
	for attempt := 0; ; attempt++ {
		delay, retry := rc.Retryer.NextDelay(attempt, lastErr)
		if !retry {
			rc.logger.Error("giving up on reconnection", "attempts", attempt, "error", lastErr)
			rc.notify(StatusChange{Status: StatusClosed, Err: lastErr})
			return
		}

		select {
		case <-rc.closeChan:
			return
		case <-time.After(delay):
		}

		conn, err := rc.dial(context.Background())
		if err != nil {
			rc.logger.Warn("reconnection attempt failed", "attempt", attempt, "error", err)
			lastErr = err
			continue
		}

		if err := rc.adopt(conn); err != nil {
			rc.logger.Error("failed to restore topics on new connection", "error", err)
			lastErr = err
			_ = conn.Close(context.Background())
			continue
		}

		rc.Retryer.Reset()
		rc.logger.Info("reconnected", "attempts", attempt+1)
		rc.notify(StatusChange{Status: StatusConnected})
		return
	}
}

// adopt swaps in a fresh connection and re-points every topic route at it.
func (rc *Reconnecting) adopt(conn Connection) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	for topic, route := range rc.routes {
		src, err := conn.Subscribe(topic)
		if err != nil {
			return err
		}
		route.restart(src)
	}

	rc.inner = conn
	rc.reconnecting = false
	return nil
}

func (rc *Reconnecting) current() (Connection, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.inner == nil {
		return nil, ErrNotConnected
	}
	return rc.inner, nil
}

func (rc *Reconnecting) Send(ctx context.Context, topic, event string, payload any) (*Reply, error) {
	conn, err := rc.current()
	if err != nil {
		return nil, err
	}
	return conn.Send(ctx, topic, event, payload)
}

func (rc *Reconnecting) Push(topic, event string, payload any) error {
	conn, err := rc.current()
	if err != nil {
		return err
	}
	return conn.Push(topic, event, payload)
}

func (rc *Reconnecting) Subscribe(topic string) (chan Message, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.inner == nil {
		return nil, ErrNotConnected
	}
	if _, ok := rc.routes[topic]; ok {
		return nil, fmt.Errorf("%w: %v", ErrTopicInUse, topic)
	}

	src, err := rc.inner.Subscribe(topic)
	if err != nil {
		return nil, err
	}

	route := &topicRoute{stable: make(chan Message, topicBuffer)}
	route.restart(src)
	rc.routes[topic] = route
	return route.stable, nil
}

func (rc *Reconnecting) Unsubscribe(topic string) {
	rc.mu.Lock()
	route, ok := rc.routes[topic]
	if ok {
		delete(rc.routes, topic)
	}
	inner := rc.inner
	rc.mu.Unlock()

	if !ok {
		return
	}
	route.stopRouting()
	if inner != nil {
		inner.Unsubscribe(topic)
	}
	close(route.stable)
}

func (rc *Reconnecting) Close(ctx context.Context) error {
	rc.closeOnce.Do(func() { close(rc.closeChan) })

	rc.mu.Lock()
	inner := rc.inner
	routes := rc.routes
	rc.routes = make(map[string]*topicRoute)
	rc.mu.Unlock()

	for _, route := range routes {
		route.stopRouting()
		close(route.stable)
	}

	if inner == nil {
		return nil
	}
	return inner.Close(ctx)
}

// restart stops the current routing goroutine, if any, and starts one that
// copies from src into the stable channel.
func (r *topicRoute) restart(src chan Message) {
	r.stopRouting()

	stop := make(chan struct{})
	done := make(chan struct{})
	r.stop = stop
	r.done = done

	stable := r.stable
	go func() {
		defer close(done)
		for {
			select {
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case stable <- msg:
				default:
					// Stable channel full; same policy as the reader.
				}
			case <-stop:
				return
			}
		}
	}()
}

func (r *topicRoute) stopRouting() {
	if r.stop == nil {
		return
	}
	close(r.stop)
	<-r.done
	r.stop = nil
	r.done = nil
}
