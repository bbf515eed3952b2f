package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"lichka/internal/models"

	"github.com/gorilla/websocket"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

type messageHub interface {
	Join(userID, connID string) chan models.ServerEvent
	Leave(userID, connID string)
	Dispatch(userID string, ev models.ClientEvent)
}

// Connection owns one live session: a read pump, a write pump and a
// heartbeat. Missing pongs for pongTimeout kills the connection, which
// is what keeps presence from leaking "online forever" after an
// ungraceful disconnect.
type Connection struct {
	ws     wsConnection
	hub    messageHub
	userID string
	connID string

	pingInterval time.Duration
	pongTimeout  time.Duration

	fromClient chan models.ClientEvent
	fromServer chan models.ServerEvent
	errorCh    chan error
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	userID string,
	connID string,
	pingInterval time.Duration,
	pongTimeout time.Duration,
) *Connection {
	return &Connection{
		ws:           ws,
		hub:          hub,
		userID:       userID,
		connID:       connID,
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
		fromClient:   make(chan models.ClientEvent),
		fromServer:   hub.Join(userID, connID),
		errorCh:      make(chan error, 3),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Leave(c.userID, c.connID)
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongTimeout))
	})

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.heartbeat(ctx)
		cancel()
	})

	var err error
	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var ev models.ClientEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			return err
		}
		select {
		case c.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-c.fromClient:
			c.hub.Dispatch(c.userID, ev)
		case ev, ok := <-c.fromServer:
			if !ok {
				// Session replaced by a newer connection.
				return nil
			}
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.pingInterval / 2)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
