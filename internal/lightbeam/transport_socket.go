package lightbeam

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/iowarp/clio-core/internal/errs"
	"github.com/iowarp/clio-core/internal/logging"
	"github.com/iowarp/clio-core/internal/shmptr"
	"github.com/sony/gobreaker"
	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
)

// SocketClient sends lightbeam transfers over a WebSocket connection,
// grounded on the WebSocketConnection wrapper in
// kernel/core/mesh/transport/transport_native.go. Each Send packs the
// metadata and every transfer-marked bulk into one binary frame, since a
// WebSocket message (unlike a TCP stream) carries its own boundary.
//
// A circuit breaker guards against hammering a peer that has started
// failing, and a token-bucket limiter caps how many sends a caller can
// issue per second, mirroring the rate limiting GossipManager applies to
// its own outbound traffic in kernel/core/mesh/routing/gossip.go.
type SocketClient struct {
	conn    *websocket.Conn
	breaker *gobreaker.CircuitBreaker[any]
	limiter *limiter.TokenBucket
	log     *logging.Logger
}

// SocketClientConfig tunes dial behavior, the circuit breaker, and the
// outbound rate limit.
type SocketClientConfig struct {
	HandshakeTimeout time.Duration
	MaxMessageSize   int
	RatePerSecond    int64
	Burst            int64
}

func defaultSocketClientConfig() SocketClientConfig {
	return SocketClientConfig{
		HandshakeTimeout: 10 * time.Second,
		MaxMessageSize:   16 << 20,
		RatePerSecond:    1000,
		Burst:            200,
	}
}

// DialSocketClient connects to a lightbeam WebSocket server at addr.
func DialSocketClient(ctx context.Context, addr string, cfg SocketClientConfig, log *logging.Logger) (*SocketClient, error) {
	if cfg.HandshakeTimeout == 0 {
		cfg = defaultSocketClientConfig()
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
		ReadBufferSize:   cfg.MaxMessageSize,
		WriteBufferSize:  cfg.MaxMessageSize,
	}
	conn, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", errs.ErrTransportFailed, addr, err)
	}

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "lightbeam-socket-client",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	tb, err := limiter.NewTokenBucket(
		limiter.Config{Rate: cfg.RatePerSecond, Duration: time.Second, Burst: cfg.Burst},
		store.NewMemoryStore(time.Minute),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", errs.ErrTransportFailed, err)
	}

	if log == nil {
		log = logging.FromEnv("lightbeam")
	}
	return &SocketClient{conn: conn, breaker: breaker, limiter: tb, log: log.With("socket-client")}, nil
}

func (c *SocketClient) Expose(ptr shmptr.FullPtr[byte], size uint64, flags uint32) Bulk {
	return Bulk{Data: ptr, Size: size, Flags: flags}
}

func (c *SocketClient) Send(ctx context.Context, meta *LbmMeta) error {
	if !c.limiter.Allow(remoteAddrKey(c.conn)) {
		return fmt.Errorf("%w: rate limit exceeded", errs.ErrTransportFailed)
	}

	meta.CountSendBulks()
	var buf bytes.Buffer
	if err := writeMeta(&buf, meta); err != nil {
		return err
	}
	if err := writeBulks(&buf, meta); err != nil {
		return err
	}

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.conn.WriteMessage(websocket.BinaryMessage, buf.Bytes())
	})
	if err != nil {
		c.log.Warning("send failed", logging.F("err", err))
		return fmt.Errorf("%w: %v", errs.ErrTransportFailed, err)
	}
	return nil
}

func (c *SocketClient) Close() error { return c.conn.Close() }

func remoteAddrKey(conn *websocket.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return "unknown"
	}
	return conn.RemoteAddr().String()
}

// SocketServer accepts lightbeam WebSocket connections. One SocketServer
// handles exactly one peer connection at a time, matching the
// one-metadata-exchange-then-its-bulks lifecycle of Server.
type SocketServer struct {
	addr     string
	upgrader websocket.Upgrader
	conn     *websocket.Conn
	pending  *bytes.Reader
}

// NewSocketServer builds a server for addr. It does not listen on addr
// itself: the caller serves HTTP there and hands a request to Accept, which
// upgrades it to the WebSocket connection this server then serves.
func NewSocketServer(addr string, maxMessageSize int) *SocketServer {
	return &SocketServer{
		addr: addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  maxMessageSize,
			WriteBufferSize: maxMessageSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Accept upgrades w/r into the connection this server will serve.
func (s *SocketServer) Accept(w http.ResponseWriter, r *http.Request) error {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("%w: upgrade: %v", errs.ErrTransportFailed, err)
	}
	s.conn = conn
	return nil
}

func (s *SocketServer) Expose(ptr shmptr.FullPtr[byte], size uint64, flags uint32) Bulk {
	return Bulk{Data: ptr, Size: size, Flags: flags}
}

func (s *SocketServer) Address() string { return s.addr }

func (s *SocketServer) RecvMetadata(ctx context.Context, meta *LbmMeta) error {
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransportFailed, err)
	}
	s.pending = bytes.NewReader(raw)
	return readMeta(s.pending, meta)
}

func (s *SocketServer) RecvBulks(ctx context.Context, meta *LbmMeta, arena shmptr.Arena) error {
	if s.pending == nil {
		return fmt.Errorf("%w: RecvBulks called before RecvMetadata", errs.ErrTransportFailed)
	}
	defer func() { s.pending = nil }()
	return readBulks(s.pending, meta, arena)
}

func (s *SocketServer) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}
