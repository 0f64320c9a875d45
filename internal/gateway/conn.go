package gateway

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/switchboard/internal/protocol"
)

type connState int

const (
	stateFresh connState = iota
	stateChallenged
	stateAuthenticated
	stateClosing
)

// outboxSize bounds the per-connection outbound queue. The runtime has no
// per-socket buffered-byte counter, so backpressure is modeled as a bounded
// channel with a dedicated writer.
const outboxSize = 512

const writeTimeout = 10 * time.Second

// clientInfo is the descriptor presented in connect.
type clientInfo struct {
	ID              string `json:"id"`
	Version         string `json:"version"`
	Platform        string `json:"platform"`
	Mode            string `json:"mode"`
	DisplayName     string `json:"displayName,omitempty"`
	DeviceFamily    string `json:"deviceFamily,omitempty"`
	ModelIdentifier string `json:"modelIdentifier,omitempty"`
}

type connectParams struct {
	MinProtocol int        `json:"minProtocol"`
	MaxProtocol int        `json:"maxProtocol"`
	Client      clientInfo `json:"client"`
	Auth        struct {
		Token    string `json:"token"`
		Password string `json:"password"`
	} `json:"auth"`
	Role   string   `json:"role"`
	Scopes []string `json:"scopes"`
}

// conn is one WebSocket connection moving through
// fresh → challenged → authenticated → closing.
type conn struct {
	id     string
	server *Server
	ws     *websocket.Conn
	logger *slog.Logger

	outbox    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	watchdog  *time.Timer

	mu          sync.Mutex
	state       connState
	nonce       string
	client      clientInfo
	role        string
	scopes      []string
	subscribed  string
	closeCode   int
	closeReason string
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	return &conn{
		id:     uuid.NewString(),
		server: s,
		ws:     ws,
		logger: s.logger.With("conn", ""),
		outbox: make(chan []byte, outboxSize),
		done:   make(chan struct{}),
		state:  stateFresh,
	}
}

func (c *conn) State() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *conn) remoteHost() string {
	host, _, err := net.SplitHostPort(c.ws.RemoteAddr().String())
	if err != nil {
		return c.ws.RemoteAddr().String()
	}
	return host
}

// serve runs the connection: greeting, challenge, then the read loop. Blocks
// until the socket dies.
func (c *conn) serve() {
	c.logger = c.server.logger.With("conn", c.id[:8])
	defer c.server.dropConn(c)

	if c.server.metrics != nil {
		c.server.metrics.ConnectionsActive.WithLabelValues("pending").Inc()
	}

	go c.writeLoop()

	nonce, err := newNonce()
	if err != nil {
		c.logger.Error("failed to generate nonce", "error", err)
		c.close(websocket.ClosePolicyViolation, "internal error")
		return
	}
	c.mu.Lock()
	c.nonce = nonce
	c.state = stateChallenged
	c.mu.Unlock()

	now := time.Now().UnixMilli()
	c.sendFrame(protocol.EventFrame("hello", map[string]any{"protocol": protocol.Version, "ts": now}))
	c.sendFrame(protocol.EventFrame("connect.challenge", map[string]any{"nonce": nonce, "ts": now}))

	c.watchdog = time.AfterFunc(c.server.cfg.HandshakeTimeout(), func() {
		if c.State() != stateAuthenticated {
			c.logger.Info("handshake deadline expired")
			c.close(websocket.ClosePolicyViolation, "handshake timeout")
		}
	})
	defer c.watchdog.Stop()

	c.readLoop()
}

func (c *conn) readLoop() {
	maxPayload := c.server.cfg.MaxPayload
	c.ws.SetReadLimit(int64(maxPayload))

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				c.sendFrame(protocol.ErrorResponse("", protocol.InvalidRequest(
					fmt.Sprintf("payload exceeds %d bytes", maxPayload))))
				c.close(websocket.CloseMessageTooBig, "payload too large")
			}
			return
		}

		frame, err := protocol.ParseFrame(data, maxPayload)
		if err != nil {
			c.sendFrame(protocol.ErrorResponse("", protocol.AsError(err)))
			if c.State() != stateAuthenticated {
				c.close(websocket.ClosePolicyViolation, "handshake violation")
				return
			}
			continue
		}

		switch c.State() {
		case stateAuthenticated:
			if frame.Type != protocol.TypeRequest {
				c.sendFrame(protocol.ErrorResponse(frame.ID, protocol.InvalidRequest("expected a request frame")))
				continue
			}
			// Each request gets its own goroutine so a blocked method
			// (agent.wait) never stalls the read loop; responses may
			// legitimately arrive out of request order.
			go c.server.dispatch(c, frame)
		case stateClosing:
			return
		default:
			if !c.handleConnect(frame) {
				return
			}
		}
	}
}

// handleConnect advances the handshake. Any violation replies an error and
// closes 1008. Returns false when the connection is done.
func (c *conn) handleConnect(frame *protocol.Frame) bool {
	if frame.Type != protocol.TypeRequest || frame.Method != "connect" {
		c.sendFrame(protocol.ErrorResponse(frame.ID, protocol.InvalidRequest("connect must be the first request")))
		c.close(websocket.ClosePolicyViolation, "handshake violation")
		return false
	}

	var params connectParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		c.sendFrame(protocol.ErrorResponse(frame.ID, protocol.InvalidRequest("malformed connect params")))
		c.close(websocket.ClosePolicyViolation, "handshake violation")
		return false
	}
	if params.Client.ID == "" || params.Client.Version == "" {
		c.sendFrame(protocol.ErrorResponse(frame.ID, protocol.InvalidRequest("client.id and client.version are required")))
		c.close(websocket.ClosePolicyViolation, "handshake violation")
		return false
	}
	if params.MinProtocol > protocol.Version || params.MaxProtocol < protocol.Version {
		c.sendFrame(protocol.ErrorResponse(frame.ID, protocol.InvalidRequest(
			fmt.Sprintf("unsupported protocol range [%d,%d], server speaks %d",
				params.MinProtocol, params.MaxProtocol, protocol.Version))))
		c.close(websocket.ClosePolicyViolation, "protocol mismatch")
		return false
	}
	if !c.server.checkAuth(&params) {
		c.sendFrame(protocol.ErrorResponse(frame.ID, protocol.InvalidRequest("authentication failed")))
		c.close(websocket.ClosePolicyViolation, "authentication failed")
		return false
	}

	c.watchdog.Stop()
	c.mu.Lock()
	c.state = stateAuthenticated
	c.client = params.Client
	c.role = params.Role
	c.scopes = params.Scopes
	c.mu.Unlock()

	snapshot := c.server.authenticate(c, &params)
	c.sendFrame(protocol.Response(frame.ID, snapshot))
	c.server.broadcastPresence()
	c.logger.Info("client connected",
		"instance", params.Client.ID,
		"version", params.Client.Version,
		"mode", params.Client.Mode)
	return true
}

// enqueue queues an encoded frame for writing. A full outbox either drops the
// frame (dropIfSlow events) or closes the connection as a slow consumer.
func (c *conn) enqueue(data []byte, dropIfSlow bool) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbox <- data:
		return true
	default:
	}
	if dropIfSlow {
		if c.server.metrics != nil {
			c.server.metrics.EventsDropped.Inc()
		}
		return false
	}
	if c.server.metrics != nil {
		c.server.metrics.SlowConsumerCloses.Inc()
	}
	c.logger.Warn("closing slow consumer", "outbox", len(c.outbox))
	c.close(websocket.ClosePolicyViolation, "slow consumer")
	return false
}

func (c *conn) sendFrame(frame *protocol.Frame) {
	data, err := protocol.EncodeFrame(frame)
	if err != nil {
		c.logger.Error("failed to encode frame", "error", err)
		return
	}
	c.enqueue(data, false)
}

func (c *conn) writeLoop() {
	for {
		select {
		case data := <-c.outbox:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-c.done:
			c.drainAndClose()
			return
		}
	}
}

// drainAndClose flushes queued frames, then sends the close frame recorded by
// close() so clients observe pending events (shutdown included) first.
func (c *conn) drainAndClose() {
	for {
		select {
		case data := <-c.outbox:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.ws.Close()
				return
			}
		default:
			c.mu.Lock()
			code, reason := c.closeCode, c.closeReason
			c.mu.Unlock()
			msg := websocket.FormatCloseMessage(code, reason)
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
			c.ws.Close()
			return
		}
	}
}

// close initiates teardown with the given close code. Idempotent.
func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = stateClosing
		c.closeCode = code
		c.closeReason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func newNonce() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func secretsEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}
