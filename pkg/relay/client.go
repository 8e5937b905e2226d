// Package relay keeps the node connected to the signaling relay.
package relay

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/giongto35/synthmesh/pkg/api"
	"github.com/giongto35/synthmesh/pkg/config"
	"github.com/giongto35/synthmesh/pkg/logger"
	"github.com/giongto35/synthmesh/pkg/monitoring"
	"github.com/giongto35/synthmesh/pkg/network"
	"github.com/giongto35/synthmesh/pkg/network/websocket"
	"github.com/giongto35/synthmesh/pkg/service"

	"github.com/goccy/go-json"
)

// Client is a self-healing relay connection.
// After each (re)connect it registers the node and asks for the list of peers.
type Client struct {
	service.RunnableService

	id      string
	role    api.Role
	conf    config.Relay
	retry   network.Retry
	log     *logger.Logger
	metrics *monitoring.Metrics

	mu        sync.Mutex
	conn      *websocket.WS
	onMessage func(api.Signal)
	onConnect func()

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started atomic.Bool
}

func New(id string, role api.Role, conf config.Relay, log *logger.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		id:     id,
		role:   role,
		conf:   conf,
		retry:  network.NewRetry(conf.ReconnectDelay, conf.Jitter),
		log:    log.Tag("relay"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

func (c *Client) WithMetrics(m *monitoring.Metrics) *Client { c.metrics = m; return c }

// OnMessage sets the handler of relay messages.
// Messages are handled one by one in the order of arrival.
func (c *Client) OnMessage(fn func(api.Signal)) { c.mu.Lock(); c.onMessage = fn; c.mu.Unlock() }

// OnConnect sets the handler called after each registration.
func (c *Client) OnConnect(fn func()) { c.mu.Lock(); c.onConnect = fn; c.mu.Unlock() }

func (c *Client) Run() {
	if c.started.CompareAndSwap(false, true) {
		go c.loop()
	}
}

func (c *Client) loop() {
	defer close(c.done)
	address := c.conf.URL()
	opts := websocket.Options{WriteWait: c.conf.WriteWait, PingInterval: c.conf.PingInterval}
	served := false
	for {
		conn, err := websocket.Dial(c.ctx, address, opts, c.log)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.Error().Err(err).Msgf("no connection to the relay %v. Retrying", address.String())
		} else {
			if served {
				c.metrics.Reconnect()
			}
			served = true
			c.serve(conn)
			if c.ctx.Err() != nil {
				return
			}
			c.log.Warn().Msgf("Lost the relay %v, reconnecting", address.String())
		}
		if err = c.retry.Wait(c.ctx); err != nil {
			return
		}
	}
}

// serve blocks until the connection is gone.
func (c *Client) serve(conn *websocket.WS) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
	}()

	c.Send(api.NewRegister(c.id))
	c.Send(api.NewDiscovery(c.role, c.id))
	done := conn.Listen(c.handle)
	c.log.Info().Msgf("Connected to the relay %v as %v", c.conf.Address, api.Short(c.id))

	c.mu.Lock()
	onConnect := c.onConnect
	c.mu.Unlock()
	if onConnect != nil {
		onConnect()
	}

	select {
	case <-done:
	case <-c.ctx.Done():
		conn.Close()
		<-done
	}
}

func (c *Client) handle(data []byte) {
	sig, err := api.ParseSignal(data)
	if err != nil {
		c.metrics.Dropped("malformed")
		c.log.Warn().Err(err).Str(logger.DirectionField, logger.In).Msg("Bad relay message")
		return
	}
	c.log.Debug().Str(logger.DirectionField, logger.In).Msgf("%v", sig.Type)
	c.mu.Lock()
	fn := c.onMessage
	c.mu.Unlock()
	if fn != nil {
		fn(sig)
	}
}

// Send queues the message for the relay.
// Returns false if there is no connection at the moment.
func (c *Client) Send(sig api.Signal) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}
	data, err := json.Marshal(sig)
	if err != nil {
		c.log.Error().Err(err).Msgf("Couldn't encode [%v]", sig.Type)
		return false
	}
	return conn.Write(data)
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed()
}

func (c *Client) Shutdown(ctx context.Context) error {
	c.cancel()
	if !c.started.Load() {
		return nil
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) String() string { return "relay::" + c.conf.Address }
