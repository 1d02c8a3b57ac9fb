// Package ws is the websocket signal adapter: it owns the transport
// endpoints and translates wire envelopes into router calls. The
// collaboration core never touches a socket directly.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/delpha/deckroom/internal/app"
	"github.com/delpha/deckroom/internal/core"
	"github.com/delpha/deckroom/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

// Persistence is the write half of the persistence collaborator, used
// by handlers after fan-out (never inside the broadcast path).
type Persistence interface {
	app.DocumentSource
	AppendMutation(ctx context.Context, id domain.DocumentID, from domain.ConnectionID, m core.Mutation) error
	UpdateSettings(ctx context.Context, id domain.DocumentID, set domain.Settings) error
	GrantAccess(ctx context.Context, id domain.DocumentID, au domain.AuthorizedUser) error
	RevokeAccess(ctx context.Context, id domain.DocumentID, nickname string) error
}

type Controller struct {
	Router *app.EventRouter
	Store  Persistence

	ReadLimit  int64
	PingPeriod time.Duration
	SendBuffer int
}

func NewController(router *app.EventRouter, store Persistence) *Controller {
	return &Controller{
		Router:     router,
		Store:      store,
		ReadLimit:  32768,
		PingPeriod: 54 * time.Second,
		SendBuffer: 64,
	}
}

// wsConn wraps one gorilla connection behind the core.SignalConnection
// contract: non-blocking sends into a buffered channel drained by the
// write pump.
type wsConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// client is the per-socket state: a fresh connection id per upgrade
// (one nickname may hold several tabs, each its own client) plus the
// room it has joined, if any.
type client struct {
	cid  domain.ConnectionID
	conn *wsConn

	mu       sync.Mutex
	room     *core.Room
	nickname string
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle upgrades the request and starts the read/write pumps. The
// connection id is minted per socket, not per browser: the client
// token cookie only seeds logging correlation.
func (ctl *Controller) Handle(ctx context.Context, c *gin.Context) {
	token := c.GetString("client_token")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Str("module", "ws").Err(err).Msg("upgrade failed")
		return
	}
	cid := domain.ConnectionID(uuid.NewString())
	log.Info().Str("module", "ws").Str("conn", string(cid)).Str("token", token).Msg("new connection")

	cl := &client{
		cid: cid,
		conn: &wsConn{
			conn: conn,
			send: make(chan core.Frame, ctl.SendBuffer),
		},
	}
	ctx, cancel := context.WithCancel(ctx)

	go ctl.writePump(ctx, cancel, cl)
	go ctl.readPump(ctx, cancel, cl)
}

// teardown funnels every disconnect path into exactly one leave: the
// explicit leave message, the transport close and a kick all land
// here, and only the first has an effect.
func (ctl *Controller) teardown(cl *client) {
	cl.mu.Lock()
	room := cl.room
	cl.room = nil
	cl.mu.Unlock()
	if room != nil {
		ctl.Router.Leave(room, cl.cid)
	}
	cl.conn.Close()
}

func (cl *client) currentRoom() (*core.Room, bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.room, cl.room != nil
}
