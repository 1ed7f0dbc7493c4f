package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	executor "github.com/hanpama/meshgate/internal/executor"
	"github.com/hanpama/meshgate/internal/gateway"
	reqid "github.com/hanpama/meshgate/internal/reqid"
)

// graphql-transport-ws message types.
const (
	wsProtocol = "graphql-transport-ws"

	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgPing           = "ping"
	msgPong           = "pong"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
)

// Close codes defined by the protocol.
const (
	closeBadRequest       websocket.StatusCode = 4400
	closeUnauthorized     websocket.StatusCode = 4401
	closeSubscriberExists websocket.StatusCode = 4409
	closeTooManyInits     websocket.StatusCode = 4429
)

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsOutgoing struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type wsConn struct {
	h    *Handler
	conn *websocket.Conn
	meta map[string]any

	mu   sync.Mutex
	init bool
	subs map[string]*wsSub
}

type wsSub struct {
	cancel context.CancelFunc
}

func (h *Handler) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{wsProtocol},
		OriginPatterns: h.opt.CORS.AllowedOrigins,
	})
	if err != nil {
		h.opt.Logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	rid, _ := reqid.FromContext(r.Context())
	c := &wsConn{h: h, conn: conn, meta: h.meta(r, rid), subs: map[string]*wsSub{}}
	c.run(r.Context())
}

func (c *wsConn) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
	}()
	for {
		var msg wsMessage
		if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
			var ce websocket.CloseError
			if !errors.As(err, &ce) && ctx.Err() == nil {
				_ = c.conn.Close(closeBadRequest, "invalid message")
			}
			return
		}
		if !c.handle(ctx, msg) {
			return
		}
	}
}

// handle processes one client message and reports whether the connection
// stays open.
func (c *wsConn) handle(ctx context.Context, msg wsMessage) bool {
	switch msg.Type {
	case msgConnectionInit:
		c.mu.Lock()
		again := c.init
		c.init = true
		c.mu.Unlock()
		if again {
			_ = c.conn.Close(closeTooManyInits, "Too many initialisation requests")
			return false
		}
		var params map[string]any
		if len(msg.Payload) > 0 {
			_ = json.Unmarshal(msg.Payload, &params)
		}
		for k, v := range params {
			if _, taken := c.meta[k]; !taken {
				c.meta[k] = v
			}
		}
		c.write(ctx, wsOutgoing{Type: msgConnectionAck})

	case msgPing:
		c.write(ctx, wsOutgoing{Type: msgPong})

	case msgPong:

	case msgSubscribe:
		c.mu.Lock()
		ready := c.init
		c.mu.Unlock()
		if !ready {
			_ = c.conn.Close(closeUnauthorized, "Unauthorized")
			return false
		}
		var p GraphQLRequest
		if msg.ID == "" || json.Unmarshal(msg.Payload, &p) != nil {
			_ = c.conn.Close(closeBadRequest, "invalid subscribe message")
			return false
		}
		return c.subscribe(ctx, msg.ID, p)

	case msgComplete:
		c.mu.Lock()
		s := c.subs[msg.ID]
		delete(c.subs, msg.ID)
		c.mu.Unlock()
		if s != nil {
			s.cancel()
		}

	default:
		_ = c.conn.Close(closeBadRequest, fmt.Sprintf("unexpected message type %q", msg.Type))
		return false
	}
	return true
}

func (c *wsConn) subscribe(ctx context.Context, id string, p GraphQLRequest) bool {
	subCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if _, dup := c.subs[id]; dup {
		c.mu.Unlock()
		cancel()
		_ = c.conn.Close(closeSubscriberExists, "Subscriber for "+id+" already exists")
		return false
	}
	s := &wsSub{cancel: cancel}
	c.subs[id] = s
	c.mu.Unlock()

	req := p.toGateway(c.meta)
	results, err := c.h.gw.Subscribe(subCtx, req)
	if errors.Is(err, gateway.ErrNotSubscription) {
		go func() {
			defer c.done(id, s)
			c.write(subCtx, wsOutgoing{ID: id, Type: msgNext, Payload: c.h.gw.Execute(subCtx, req)})
			c.write(ctx, wsOutgoing{ID: id, Type: msgComplete})
		}()
		return true
	}
	if err != nil {
		c.done(id, s)
		var ve *gateway.ValidationError
		if errors.As(err, &ve) {
			c.write(ctx, wsOutgoing{ID: id, Type: msgError, Payload: ve.Errors})
		} else {
			c.write(ctx, wsOutgoing{ID: id, Type: msgError, Payload: []executor.GraphQLError{{Message: err.Error()}}})
		}
		return true
	}

	go func() {
		for res := range results {
			c.write(subCtx, wsOutgoing{ID: id, Type: msgNext, Payload: res})
		}
		// complete is only sent when the server ends the stream
		if c.done(id, s) {
			c.write(ctx, wsOutgoing{ID: id, Type: msgComplete})
		}
	}()
	return true
}

// done forgets s and reports whether it was still active.
func (c *wsConn) done(id string, s *wsSub) bool {
	c.mu.Lock()
	active := c.subs[id] == s
	if active {
		delete(c.subs, id)
	}
	c.mu.Unlock()
	s.cancel()
	return active
}

func (c *wsConn) write(ctx context.Context, msg wsOutgoing) {
	if err := wsjson.Write(ctx, c.conn, msg); err != nil && ctx.Err() == nil {
		c.h.opt.Logger.Debug("websocket write failed", zap.String("type", msg.Type), zap.Error(err))
	}
}
