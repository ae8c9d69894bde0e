package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn は1本のライブ接続。
// 参加しているユーザーグループと切断時のハンドラを保持する。
type Conn struct {
	id     string
	userID string
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	reason   string
	groups   map[string]struct{}
	handlers []func(reason string)

	closeOnce sync.Once
}

// ID は接続IDを返す。
func (c *Conn) ID() string { return c.id }

// UserID は認証済みのユーザーIDを返す。
func (c *Conn) UserID() string { return c.userID }

// Groups は参加中のユーザーグループを返す。
func (c *Conn) Groups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	groups := make([]string, 0, len(c.groups))
	for g := range c.groups {
		groups = append(groups, g)
	}
	return groups
}

// Closed は接続が閉じているかどうかを返す。
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// readPump はクライアントからのメッセージを読み、切断されるまで処理を続ける。
func (h *Hub) readPump(c *Conn) {
	reason := "client disconnected"
	defer func() { h.closeConn(c, reason) }()

	c.ws.SetReadLimit(h.maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				reason = err.Error()
			}
			return
		}
		h.handleMessage(c, msg)
	}
}

// writePump は送信キューのメッセージを書き込み、定期的にpingを送る。
// 接続への書き込みはこのgoroutineだけが行う。
func (h *Hub) writePump(c *Conn) {
	ticker := time.NewTicker(h.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.closeConn(c, "write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.closeConn(c, "ping failed")
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(h.writeWait))
			return
		}
	}
}
