package client

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/cloudburst-io/cloudburst/pkg/log"
	"github.com/cloudburst-io/cloudburst/pkg/types"
)

// DefaultAcquireTimeout bounds how long a caller waits for the shared
// connection to become free.
const DefaultAcquireTimeout = 30 * time.Second

// ErrBusy reports that the connection stayed in use past the acquire
// timeout.
var ErrBusy = fmt.Errorf("scheduler connection busy")

// Config holds scheduler client parameters
type Config struct {
	// Host and Port locate the scheduler's RPC endpoint
	Host string
	Port string

	// Path is the websocket endpoint path, "/" when empty
	Path string

	// CACertFile enables TLS when set; the file carries the CA that
	// signed the scheduler's certificate
	CACertFile string

	// AcquireTimeout bounds the wait for the shared connection
	AcquireTimeout time.Duration
}

// Client is a websocket RPC client for the scheduler. A single
// connection is shared across callers; one request occupies it at a
// time and others wait their turn, bounded by the acquire timeout.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer

	sem chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn

	logger zerolog.Logger
}

// New creates a scheduler client. The connection is established lazily
// on first use.
func New(cfg Config) (*Client, error) {
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if cfg.CACertFile != "" {
		pem, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", cfg.CACertFile)
		}
		dialer.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	return &Client{
		cfg:    cfg,
		dialer: dialer,
		sem:    make(chan struct{}, 1),
		logger: log.WithComponent("scheduler-client"),
	}, nil
}

func (c *Client) endpoint() string {
	scheme := "ws"
	if c.dialer.TLSClientConfig != nil {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: c.cfg.Host + ":" + c.cfg.Port, Path: c.cfg.Path}
	return u.String()
}

// acquire takes exclusive use of the connection, dialing if needed
func (c *Client) acquire() (*websocket.Conn, error) {
	select {
	case c.sem <- struct{}{}:
	case <-time.After(c.cfg.AcquireTimeout):
		return nil, ErrBusy
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	conn, _, err := c.dialer.Dial(c.endpoint(), nil)
	if err != nil {
		<-c.sem
		return nil, fmt.Errorf("failed to dial scheduler at %s: %w", c.endpoint(), err)
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info().Str("endpoint", c.endpoint()).Msg("Connected to scheduler")
	return conn, nil
}

// release returns the connection to the pool. healthy=false drops the
// cached connection so the next caller redials.
func (c *Client) release(healthy bool) {
	if !healthy {
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
	}
	<-c.sem
}

// Send submits one scheduler request and waits for its response. On a
// transport error the cached connection is dropped so later calls
// reconnect.
func (c *Client) Send(req *types.SchedulerRequest) (*types.SchedulerResponse, error) {
	conn, err := c.acquire()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		c.release(true)
		return nil, fmt.Errorf("failed to encode scheduler request: %w", err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.release(false)
		return nil, fmt.Errorf("failed to send scheduler request: %w", err)
	}

	var resp types.SchedulerResponse
	if err := conn.ReadJSON(&resp); err != nil {
		c.release(false)
		return nil, fmt.Errorf("failed to read scheduler response: %w", err)
	}

	c.release(true)
	return &resp, nil
}

// Stream submits a request and yields responses as they arrive.
// Responses whose data marks them partial are progressive; the first
// non-partial response is final and closes the channel. The scheduler
// currently answers with a single final response, so the channel
// usually yields exactly one value.
func (c *Client) Stream(req *types.SchedulerRequest) (<-chan *types.SchedulerResponse, error) {
	conn, err := c.acquire()
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		c.release(true)
		return nil, fmt.Errorf("failed to encode scheduler request: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.release(false)
		return nil, fmt.Errorf("failed to send scheduler request: %w", err)
	}

	out := make(chan *types.SchedulerResponse, 1)
	go func() {
		defer close(out)
		for {
			var resp types.SchedulerResponse
			if err := conn.ReadJSON(&resp); err != nil {
				c.logger.Warn().Err(err).Msg("Stream read failed")
				c.release(false)
				return
			}
			out <- &resp
			if partial, ok := resp.Data["partial"].(bool); !ok || !partial {
				c.release(true)
				return
			}
		}
	}()
	return out, nil
}

// Close drops the cached connection
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}
