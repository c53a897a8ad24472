package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dkeye/meshvoice/internal/core"
	"github.com/dkeye/meshvoice/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type ClientConfig struct {
	// ServerURL is the hub base URL (http, https, ws or wss).
	ServerURL string
	// Jar carries the hub's client session cookie. Optional.
	Jar        http.CookieJar
	SendBuffer int
	PingPeriod time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

func DefaultClientConfig(serverURL string) ClientConfig {
	return ClientConfig{
		ServerURL:  serverURL,
		SendBuffer: 64,
		PingPeriod: 20 * time.Second,
		MinBackoff: 250 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
	}
}

// Transport subscribes to room channels on a hub over websockets.
type Transport struct {
	cfg    ClientConfig
	dialer *websocket.Dialer
}

func NewTransport(cfg ClientConfig) *Transport {
	d := *websocket.DefaultDialer
	d.Jar = cfg.Jar
	return &Transport{cfg: cfg, dialer: &d}
}

func channelURL(base string, room domain.RoomID) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/rooms/" + url.PathEscape(string(room)) + "/channel"
	return u.String(), nil
}

// Subscribe dials the room channel and tracks self. The returned channel
// redials with backoff whenever the connection drops, emitting
// EventInterrupted before each attempt.
func (t *Transport) Subscribe(ctx context.Context, room domain.RoomID, self domain.PresenceRecord) (core.Channel, error) {
	target, err := channelURL(t.cfg.ServerURL, room)
	if err != nil {
		return nil, err
	}
	track, err := json.Marshal(Envelope{Type: TypeTrack, Presence: &self})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ch := &Channel{
		t:        t,
		room:     room,
		target:   target,
		track:    track,
		send:     make(chan core.Frame, t.cfg.SendBuffer),
		events:   make(chan core.ChannelEvent, 256),
		ctx:      runCtx,
		cancel:   cancel,
		finished: make(chan struct{}),
	}
	conn, err := ch.dial(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	go ch.run(conn)
	return ch, nil
}

type Channel struct {
	t      *Transport
	room   domain.RoomID
	target string
	track  []byte

	send   chan core.Frame
	events chan core.ChannelEvent

	mu   sync.Mutex
	conn *websocket.Conn

	ctx      context.Context
	cancel   context.CancelFunc
	once     sync.Once
	finished chan struct{}
}

func (ch *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := ch.t.dialer.DialContext(ctx, ch.target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", ch.target, err)
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err == nil {
		err = conn.WriteMessage(websocket.TextMessage, ch.track)
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("track: %w", err)
	}
	ch.mu.Lock()
	ch.conn = conn
	ch.mu.Unlock()
	log.Info().Str("module", "signal").Str("room", string(ch.room)).Msg("channel subscribed")
	return conn, nil
}

func (ch *Channel) run(conn *websocket.Conn) {
	defer close(ch.finished)
	for {
		ch.serve(conn)
		if ch.ctx.Err() != nil {
			return
		}
		log.Warn().Str("module", "signal").Str("room", string(ch.room)).Msg("channel lost, resubscribing")
		if !ch.emit(core.ChannelEvent{Kind: core.EventInterrupted}) {
			return
		}
		if conn = ch.redial(); conn == nil {
			return
		}
	}
}

func (ch *Channel) redial() *websocket.Conn {
	backoff := ch.t.cfg.MinBackoff
	for {
		select {
		case <-ch.ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		conn, err := ch.dial(ch.ctx)
		if err == nil {
			return conn
		}
		log.Warn().Err(err).Str("module", "signal").Dur("backoff", backoff).Msg("resubscribe failed")
		backoff = min(backoff*2, ch.t.cfg.MaxBackoff)
	}
}

// serve pumps one connection until it fails or the channel is closed.
func (ch *Channel) serve(conn *websocket.Conn) {
	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ch.writePump(conn, stop)
	}()
	ch.readPump(conn)
	close(stop)
	_ = conn.Close()
	<-writerDone
}

func (ch *Channel) readPump(conn *websocket.Conn) {
	pongWait := ch.t.cfg.PingPeriod * 10 / 9
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(pongWait)) }
	extend()
	conn.SetPongHandler(func(string) error { extend(); return nil })

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ch.ctx.Err() == nil {
				log.Warn().Err(err).Str("module", "signal").Str("room", string(ch.room)).Msg("readPump read error")
			}
			return
		}
		extend()
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("bad json")
			continue
		}
		if env.Type == TypeError {
			log.Warn().Str("module", "signal").Str("room", string(ch.room)).Str("error", env.Error).Msg("hub error")
			continue
		}
		ev, ok := decodeEvent(env)
		if !ok {
			continue
		}
		if !ch.emit(ev) {
			return
		}
	}
}

func (ch *Channel) writePump(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(ch.t.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ch.ctx.Done():
			_ = conn.Close()
			return
		case data := <-ch.send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				_ = conn.Close()
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump write error")
				_ = conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (ch *Channel) emit(ev core.ChannelEvent) bool {
	select {
	case ch.events <- ev:
		return true
	case <-ch.ctx.Done():
		return false
	}
}

// Publish queues payload for every other subscriber. It never blocks; a
// full queue returns ErrBackpressure.
func (ch *Channel) Publish(ctx context.Context, payload core.Frame) error {
	if ch.ctx.Err() != nil {
		return core.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if !json.Valid(payload) {
		return ErrPayloadNotJSON
	}
	data, err := json.Marshal(Envelope{Type: TypeBroadcast, Payload: json.RawMessage(payload)})
	if err != nil {
		return err
	}
	select {
	case ch.send <- data:
		return nil
	default:
		return core.ErrBackpressure
	}
}

func (ch *Channel) Events() <-chan core.ChannelEvent { return ch.events }

// Close leaves the channel. The hub sees the websocket close and
// broadcasts the leave.
func (ch *Channel) Close() error {
	ch.once.Do(func() {
		ch.cancel()
		ch.mu.Lock()
		conn := ch.conn
		ch.mu.Unlock()
		if conn != nil {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			_ = conn.Close()
		}
		<-ch.finished
		close(ch.events)
	})
	return nil
}
