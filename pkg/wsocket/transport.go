// Package wsocket adapts a gorilla/websocket connection to the
// chatsync.SocketTransport contract. The server frames every live event
// as {"event": name, "uuid": deliveryID, "data": payload}; delivery is
// at-least-once and in order per conversation, and this adapter keeps
// that property across reconnects by resubscribing with the same token.
package wsocket

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/mossnet/chatsync/pkg/chatsync"
)

const (
	pingInterval = 10 * time.Second
	pongTimeout  = 15 * time.Second
	writeTimeout = 5 * time.Second

	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 30 * time.Second
)

type frame struct {
	Event string          `json:"event"`
	UUID  string          `json:"uuid"`
	Data  json.RawMessage `json:"data"`
}

// Transport is a reconnecting websocket client for the live event
// channel.
type Transport struct {
	url    string
	token  string
	logger zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	handler func(chatsync.SocketEvent)
	closed  bool
	done    chan struct{}
}

// New creates a transport for the given socket URL; the access token is
// sent as a bearer header on connect.
func New(url, token string, logger zerolog.Logger) *Transport {
	return &Transport{
		url:    url,
		token:  token,
		logger: logger.With().Str("component", "wsocket").Logger(),
		done:   make(chan struct{}),
	}
}

// Subscribe connects and starts the read pump. The handler runs on the
// pump goroutine; it must return quickly.
func (t *Transport) Subscribe(handler func(chatsync.SocketEvent)) error {
	t.mu.Lock()
	t.handler = handler
	t.mu.Unlock()
	if err := t.connect(); err != nil {
		return err
	}
	go t.readPump()
	return nil
}

func (t *Transport) connect() error {
	header := http.Header{}
	if t.token != "" {
		header.Set("Authorization", "Bearer "+t.token)
	}
	conn, _, err := websocket.DefaultDialer.Dial(t.url, header)
	if err != nil {
		return err
	}
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	go t.pingLoop(conn)
	t.logger.Info().Str("url", t.url).Msg("Socket connected")
	return nil
}

func (t *Transport) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-t.done:
			return
		}
	}
}

// readPump reads frames, dispatches them, and reconnects with capped
// exponential backoff until Close.
func (t *Transport) readPump() {
	delay := reconnectBaseDelay
	for {
		t.mu.Lock()
		conn := t.conn
		handler := t.handler
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				t.mu.Lock()
				closed = t.closed
				t.mu.Unlock()
				if closed {
					return
				}
				t.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Socket read failed, reconnecting")
				break
			}
			delay = reconnectBaseDelay
			var f frame
			if err := json.Unmarshal(data, &f); err != nil {
				t.logger.Warn().Err(err).Msg("Dropping unparseable socket frame")
				continue
			}
			handler(chatsync.SocketEvent{Name: f.Event, UUID: f.UUID, Payload: f.Data})
		}

		select {
		case <-time.After(delay):
		case <-t.done:
			return
		}
		if delay *= 2; delay > reconnectMaxDelay {
			delay = reconnectMaxDelay
		}
		if err := t.connect(); err != nil {
			t.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Socket reconnect failed")
		}
	}
}

// Close stops the pump and closes the connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()
	close(t.done)
	if conn != nil {
		return conn.Close()
	}
	return nil
}
