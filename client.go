package main

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	maxMessageSize    = 4096
	sendBufSize       = 256
	maxMessagesPerSec = 50
	maxNameLen        = 16
)

// Client represents one WebSocket connection. It is bound to at most one
// match/playerMatchId pair at a time; region validation happens once at
// connect, everything else is routed through the matchmaker.
type Client struct {
	hub        *Hub
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string

	matchID  string
	playerID string

	msgCount   int
	msgResetAt time.Time
}

// NewClient creates a new Client.
func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string) *Client {
	return &Client{
		hub:        hub,
		conn:       conn,
		send:       make(chan []byte, sendBufSize),
		remoteAddr: remoteAddr,
	}
}

// ReadPump reads messages from the WebSocket connection.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("ws error: %v", err)
			}
			break
		}

		now := time.Now()
		if now.After(c.msgResetAt) {
			c.msgCount = 0
			c.msgResetAt = now.Add(time.Second)
		}
		c.msgCount++
		if c.msgCount > maxMessagesPerSec {
			log.Printf("rate limit exceeded for %s, disconnecting", c.remoteAddr)
			break
		}

		c.handleMessage(message)
	}
}

// WritePump writes messages to the WebSocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			var err error
			if len(message) > 0 && message[0] == 0xFF {
				err = c.conn.WriteMessage(websocket.BinaryMessage, message[1:])
			} else {
				err = c.conn.WriteMessage(websocket.TextMessage, message)
			}
			if err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// SendJSON sends a JSON message to the client.
func (c *Client) SendJSON(msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("marshal error: %v", err)
		return
	}
	c.SendRaw(data)
}

// SendRaw sends pre-marshaled bytes as a text message to the client.
func (c *Client) SendRaw(data []byte) {
	defer func() { recover() }()
	select {
	case c.send <- data:
	default:
		// client too slow, drop message
	}
}

// SendBinary sends pre-marshaled bytes as a binary WebSocket message.
// Prefixes with a 0xFF marker byte so WritePump can distinguish it from text.
func (c *Client) SendBinary(data []byte) {
	defer func() { recover() }()
	msg := make([]byte, len(data)+1)
	msg[0] = 0xFF
	copy(msg[1:], data)
	select {
	case c.send <- msg:
	default:
	}
}

// handleMessage routes incoming messages via a single-pass decode into
// InEnvelope, then a second decode of the payload per message type.
func (c *Client) handleMessage(raw []byte) {
	var env InEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("unmarshal error: %v", err)
		return
	}

	switch env.T {
	case MsgJoinQueue:
		c.handleJoinQueue(env.D)
	case MsgPlayerInput:
		c.handlePlayerInput(env.D)
	case MsgProjectileHit:
		c.handleProjectileHit(env.D)
	case MsgToggleBystander:
		c.handleToggleBystander()
	case MsgPing:
		c.handlePing(env.D)
	}
}

func (c *Client) handleJoinQueue(data json.RawMessage) {
	var payload JoinQueuePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	if !c.hub.config.IsValidRegion(payload.Region) {
		c.SendJSON(Envelope{T: MsgError, Data: MessagePayload{Message: "invalid region"}})
		return
	}

	matchID, playerID, err := c.hub.matchmaker.enqueuePlayer(c, payload)
	if err != nil {
		if c.hub.metrics != nil {
			c.hub.metrics.RecordError()
		}
		return
	}
	c.matchID = matchID
	c.playerID = playerID
}

func (c *Client) handlePlayerInput(data json.RawMessage) {
	if c.matchID == "" || c.playerID == "" {
		return
	}
	var payload PlayerInputPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	match, ok := c.hub.matchmaker.lookupMatch(c.matchID)
	if !ok {
		return
	}
	match.handlePlayerInput(c.playerID, payload)
}

func (c *Client) handleProjectileHit(data json.RawMessage) {
	if c.matchID == "" || c.playerID == "" {
		return
	}
	var payload ProjectileHitPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	match, ok := c.hub.matchmaker.lookupMatch(c.matchID)
	if !ok {
		return
	}
	match.handleProjectileHit(c.playerID, payload)
}

func (c *Client) handleToggleBystander() {
	if c.matchID == "" || c.playerID == "" {
		return
	}
	match, ok := c.hub.matchmaker.lookupMatch(c.matchID)
	if !ok {
		return
	}
	match.handleToggleBystander(c.playerID)
}

func (c *Client) handlePing(data json.RawMessage) {
	c.SendJSON(Envelope{T: MsgPong, Data: PongPayload{ServerTime: time.Now().UnixMilli(), Echo: data}})
}

// handleDisconnect is called once from the hub on unregister. Per §4.6 the
// gateway only logs; match state transitions are owned by the match itself.
func (c *Client) handleDisconnect() {
	if c.matchID == "" || c.playerID == "" {
		return
	}
	if match, ok := c.hub.matchmaker.lookupMatch(c.matchID); ok {
		match.disconnectPlayer(c.playerID)
	}
	log.Printf("client %s disconnected (match=%s player=%s)", c.remoteAddr, c.matchID, c.playerID)
}
