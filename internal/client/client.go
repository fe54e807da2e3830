// Package client is the participant side of the signaling protocol: a
// websocket Client and a Session that drives the negotiation engine from
// presence and signal frames.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"meetrelay/internal/core/domain"
	"meetrelay/pkg/protocol"
	"meetrelay/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

var ErrClientClosed = errors.New("signaling client closed")

// Client owns one websocket connection to the signaling server. Frames are
// written by a single pump; inbound frames arrive on Incoming in order.
type Client struct {
	conn     *websocket.Conn
	incoming chan *protocol.Message
	outgoing chan *protocol.Message
	done     chan struct{}
	once     sync.Once
	logger   *zap.SugaredLogger
}

// Dial connects to serverURL and starts the pumps.
func Dial(ctx context.Context, serverURL string, dialTimeout time.Duration, logger *zap.SugaredLogger) (*Client, error) {
	if err := validation.ValidateURL(serverURL); err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	c := &Client{
		conn:     conn,
		incoming: make(chan *protocol.Message, 64),
		outgoing: make(chan *protocol.Message, 64),
		done:     make(chan struct{}),
		logger:   logger,
	}

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readPump()
	go c.writePump()
	return c, nil
}

func (c *Client) readPump() {
	defer func() {
		c.Close()
		close(c.incoming)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		var msg protocol.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warnw("signaling connection lost", "error", err)
			}
			return
		}
		select {
		case c.incoming <- &msg:
		case <-c.done:
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warnw("failed to write frame", "type", msg.Type, "error", err)
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.flush()
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes frames queued before Close, such as a final leave-room.
func (c *Client) flush() {
	for {
		select {
		case msg := <-c.outgoing:
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// Incoming is closed when the connection ends.
func (c *Client) Incoming() <-chan *protocol.Message {
	return c.incoming
}

// Done is closed once Close has been called or the connection failed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Send queues msg for the write pump.
func (c *Client) Send(ctx context.Context, msg *protocol.Message) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}
	select {
	case c.outgoing <- msg:
		return nil
	case <-c.done:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) send(ctx context.Context, msgType string, payload interface{}) error {
	msg, err := protocol.New(msgType, payload)
	if err != nil {
		return err
	}
	return c.Send(ctx, msg)
}

func (c *Client) Join(ctx context.Context, roomID domain.RoomID, displayName string) error {
	return c.send(ctx, protocol.TypeJoinRoom, protocol.JoinRoomPayload{
		RoomID:      roomID,
		DisplayName: displayName,
	})
}

func (c *Client) Leave(ctx context.Context) error {
	return c.send(ctx, protocol.TypeLeaveRoom, nil)
}

// SendSignal relays sig to another participant of our room.
func (c *Client) SendSignal(ctx context.Context, to domain.ParticipantID, sig domain.Signal) error {
	return c.send(ctx, protocol.TypeSignal, protocol.SignalOutPayload{Target: to, Signal: sig})
}

func (c *Client) Chat(ctx context.Context, text, displayName string) error {
	return c.send(ctx, protocol.TypeChatMessage, protocol.ChatOutPayload{Text: text, DisplayName: displayName})
}

// SetMedia announces a camera, microphone or screen share change.
func (c *Client) SetMedia(ctx context.Context, kind domain.MediaKind, enabled bool) error {
	switch kind {
	case domain.MediaVideo:
		return c.send(ctx, protocol.TypeVideoStateChange, protocol.MediaStatePayload{Enabled: enabled})
	case domain.MediaAudio:
		return c.send(ctx, protocol.TypeAudioStateChange, protocol.MediaStatePayload{Enabled: enabled})
	case domain.MediaScreenShare:
		if enabled {
			return c.send(ctx, protocol.TypeScreenShareStarted, nil)
		}
		return c.send(ctx, protocol.TypeScreenShareStopped, nil)
	}
	return fmt.Errorf("unknown media kind %q", kind)
}

// Close ends the connection after writing the frames already queued.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}
