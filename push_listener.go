package roomsync

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// PushListenerConfig configures the websocket change-feed listener.
type PushListenerConfig struct {
	// Enabled turns the listener on.
	Enabled bool `yaml:"enabled"`

	// URL of the change feed, e.g. "wss://sync.example.com/v1/feed".
	URL string `yaml:"url"`

	// AuthToken, when set, is sent as a bearer token on the handshake.
	AuthToken string `yaml:"auth_token,omitempty"`

	// ReconnectDelay is the initial delay after a dropped connection;
	// it doubles up to MaxReconnectDelay. Defaults: 1s / 30s.
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay"`

	// PingInterval keeps idle connections alive. Default: 30s.
	PingInterval time.Duration `yaml:"ping_interval"`
}

// pushNotice is the wire format of one change notification. A notice
// carries only "something changed where" — record content always comes
// through the delta fetch path.
type pushNotice struct {
	Scope Scope  `json:"scope"`
	Zone  string `json:"zone,omitempty"`
}

// PushListener maintains a websocket subscription to the remote change
// feed and turns notices into sync requests. Connection loss degrades
// to reconnect-with-backoff; the sync core keeps working off its other
// triggers in the meantime.
type PushListener struct {
	config   PushListenerConfig
	onChange func(scope Scope)

	mu   sync.Mutex
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connects atomic.Int64
	notices  atomic.Int64
}

// NewPushListener creates a listener that invokes onChange for each
// notice received.
func NewPushListener(cfg PushListenerConfig, onChange func(scope Scope)) *PushListener {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 30 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PushListener{
		config:   cfg,
		onChange: onChange,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the connect/read/reconnect loop in the background.
func (p *PushListener) Start() {
	p.wg.Add(1)
	go p.run()
}

func (p *PushListener) run() {
	defer p.wg.Done()

	delay := p.config.ReconnectDelay
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		conn, err := p.dial()
		if err != nil {
			log.Printf("[PushListener] Connect failed, retrying in %s: %v", delay, err)
			select {
			case <-p.ctx.Done():
				return
			case <-time.After(delay):
			}
			delay *= 2
			if delay > p.config.MaxReconnectDelay {
				delay = p.config.MaxReconnectDelay
			}
			continue
		}

		delay = p.config.ReconnectDelay
		p.connects.Add(1)
		log.Printf("[PushListener] Connected to %s", p.config.URL)

		p.readLoop(conn)

		p.mu.Lock()
		p.conn = nil
		p.mu.Unlock()
		conn.Close()
	}
}

func (p *PushListener) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if p.config.AuthToken != "" {
		header.Set("Authorization", "Bearer "+p.config.AuthToken)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(p.ctx, p.config.URL, header)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	return conn, nil
}

func (p *PushListener) readLoop(conn *websocket.Conn) {
	pinger := time.NewTicker(p.config.PingInterval)
	defer pinger.Stop()

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-p.ctx.Done():
				conn.Close()
				return
			case <-pinger.C:
				conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if p.ctx.Err() == nil {
				log.Printf("[PushListener] Connection lost: %v", err)
			}
			return
		}

		var notice pushNotice
		if err := json.Unmarshal(data, &notice); err != nil {
			log.Printf("[PushListener] Ignoring malformed notice: %v", err)
			continue
		}
		if notice.Scope != ScopePrivate && notice.Scope != ScopeShared {
			continue
		}
		p.notices.Add(1)
		p.onChange(notice.Scope)
	}
}

// PushListenerStats contains listener statistics.
type PushListenerStats struct {
	Connects  int64 `json:"connects"`
	Notices   int64 `json:"notices"`
	Connected bool  `json:"connected"`
}

// Stats returns listener statistics.
func (p *PushListener) Stats() PushListenerStats {
	p.mu.Lock()
	connected := p.conn != nil
	p.mu.Unlock()

	return PushListenerStats{
		Connects:  p.connects.Load(),
		Notices:   p.notices.Load(),
		Connected: connected,
	}
}

// Close stops the listener and closes any open connection.
func (p *PushListener) Close() {
	p.cancel()
	p.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
	}
	p.mu.Unlock()
	p.wg.Wait()
}
