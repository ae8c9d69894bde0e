// Package realtime はWebSocketによるリアルタイム配信を提供する。
//
// Hubはライブ接続を保持し、プレゼンスレジストリをユーザー単位の
// ルーティング表として使う。接続はJWTで認証され、自分自身の
// ユーザーグループにだけ参加できる。
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nao1215/taskboard/internal/notification"
	"github.com/nao1215/taskboard/internal/presence"
	"github.com/nao1215/taskboard/pkg/logging"
	"github.com/nao1215/taskboard/pkg/metrics"
	"github.com/nao1215/taskboard/pkg/middleware"
)

// 既定値。
const (
	DefaultSendBuffer     = 64
	DefaultWriteWait      = 10 * time.Second
	DefaultPongWait       = 60 * time.Second
	DefaultMaxMessageSize = 4096
)

var (
	// ErrClosed は閉じた接続への操作を表す。
	ErrClosed = errors.New("接続は閉じています")
	// ErrSlowConsumer は送信キューが満杯で接続を閉じたことを表す。
	ErrSlowConsumer = errors.New("送信キューが満杯です")
	// ErrNoConnection はユーザーのライブ接続が見つからないことを表す。
	ErrNoConnection = errors.New("ライブ接続がありません")
	// ErrForbiddenGroup は他人のユーザーグループへの参加を表す。
	ErrForbiddenGroup = errors.New("他のユーザーのグループには参加できません")
)

// ReadMarker は通知を既読にする。
type ReadMarker interface {
	MarkAsRead(ctx context.Context, userID, id string) (*notification.Notification, error)
}

// Option はHubの設定を変更する。
type Option func(*Hub)

// WithSendBuffer は接続ごとの送信キューの長さを設定する。
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithPongWait はpongを待つ時間を設定する。pingはその9割の間隔で送る。
func WithPongWait(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.pongWait = d
			h.pingPeriod = d * 9 / 10
		}
	}
}

// WithAllowedOrigins はアップグレードを許可するOriginを設定する。
// 空または"*"を含む場合はすべて許可する。
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		h.origins = origins
	}
}

// Hub はライブ接続の集合。
type Hub struct {
	presence *presence.Registry
	secret   string
	upgrader websocket.Upgrader

	sendBuffer     int
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	maxMessageSize int64
	origins        []string

	mu     sync.RWMutex
	conns  map[string]*Conn
	marker ReadMarker
}

// NewHub はHubを生成する。
func NewHub(registry *presence.Registry, secret string, opts ...Option) *Hub {
	h := &Hub{
		presence:       registry,
		secret:         secret,
		sendBuffer:     DefaultSendBuffer,
		writeWait:      DefaultWriteWait,
		pongWait:       DefaultPongWait,
		pingPeriod:     DefaultPongWait * 9 / 10,
		maxMessageSize: DefaultMaxMessageSize,
		conns:          make(map[string]*Conn),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetReadMarker はmark_notification_readの処理先を設定する。
func (h *Hub) SetReadMarker(m ReadMarker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.marker = m
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.origins) == 0 {
		return true
	}
	for _, o := range h.origins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// ServeHTTP はJWTを検証してWebSocketへアップグレードする。
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := logging.With("realtime")

	token, err := middleware.TokenFromRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}
	claims, err := middleware.ParseToken(h.secret, token)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("user_id", claims.UserID).Msg("WebSocketへのアップグレードに失敗")
		return
	}

	c := h.newConn(claims.UserID, ws)
	log.Debug().Str("user_id", c.userID).Str("conn_id", c.id).Msg("接続を受け付けました")

	go h.writePump(c)
	go h.readPump(c)
}

// newConn は接続を生成してHubに登録する。
func (h *Hub) newConn(userID string, ws *websocket.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		id:     uuid.New().String(),
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, h.sendBuffer),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		groups: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	return c
}

// JoinUserGroup は接続をユーザーグループに参加させる。
// 閉じた接続と、認証済みユーザー以外のグループへの参加は拒否する。
func (h *Hub) JoinUserGroup(c *Conn, userID string) error {
	if userID == "" || userID != c.userID {
		return ErrForbiddenGroup
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.groups[userID]; ok {
		return nil
	}
	c.groups[userID] = struct{}{}
	h.presence.Join(userID, c.id)
	h.reportPresence()
	return nil
}

// LeaveUserGroup は接続をユーザーグループから外す。参加していなければ何もしない。
func (h *Hub) LeaveUserGroup(c *Conn, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.groups[userID]; !ok {
		return
	}
	delete(c.groups, userID)
	h.presence.Leave(userID, c.id)
	h.reportPresence()
}

// OnDisconnect は切断時に呼ばれるハンドラを登録する。
// すでに切断済みの場合はその場で呼ぶ。
func (h *Hub) OnDisconnect(c *Conn, handler func(reason string)) {
	c.mu.Lock()
	if !c.closed {
		c.handlers = append(c.handlers, handler)
		c.mu.Unlock()
		return
	}
	reason := c.reason
	c.mu.Unlock()
	handler(reason)
}

// PushToConnection はメッセージを接続の送信キューへ積む。
// キューが満杯の場合は接続を閉じる。
func (h *Hub) PushToConnection(c *Conn, payload []byte) error {
	if c.Closed() {
		return ErrClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		h.closeConn(c, "slow consumer")
		return ErrSlowConsumer
	}
}

// PushToUser はユーザーの全接続へメッセージを送り、送信できた接続数を返す。
// 1つも送れなかった場合はエラーを返す。
func (h *Hub) PushToUser(userID string, payload []byte) (int, error) {
	delivered := 0
	var errs []error
	for _, id := range h.presence.ConnectionsOf(userID) {
		c := h.conn(id)
		if c == nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, ErrClosed))
			continue
		}
		if err := h.PushToConnection(c, payload); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		delivered++
	}
	if delivered == 0 {
		if len(errs) == 0 {
			return 0, ErrNoConnection
		}
		return 0, fmt.Errorf("%w: %w", ErrNoConnection, errors.Join(errs...))
	}
	return delivered, nil
}

// PushNotification は通知をnotificationイベントとしてユーザーの全接続へ送る。
func (h *Hub) PushNotification(userID string, n *notification.Notification) (int, error) {
	msg, err := encode(EventNotification, NewNotificationPayload(n))
	if err != nil {
		return 0, err
	}
	return h.PushToUser(userID, msg)
}

// Close は全接続を閉じる。
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		h.closeConn(c, "server shutdown")
	}
}

// ConnectionCount はHubが保持している接続数を返す。
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) conn(id string) *Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[id]
}

// closeConn は接続を一度だけ閉じ、参加していた全グループから外す。
func (h *Hub) closeConn(c *Conn, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.reason = reason
		groups := c.groups
		c.groups = make(map[string]struct{})
		handlers := c.handlers
		c.handlers = nil
		c.mu.Unlock()

		for userID := range groups {
			h.presence.Leave(userID, c.id)
		}

		h.mu.Lock()
		delete(h.conns, c.id)
		h.mu.Unlock()

		c.cancel()
		close(c.done)
		h.reportPresence()

		log := logging.With("realtime")
		log.Debug().Str("user_id", c.userID).Str("conn_id", c.id).Str("reason", reason).Msg("接続を閉じました")

		for _, handler := range handlers {
			handler(reason)
		}
	})
}

// handleMessage はクライアントから届いた1メッセージを処理する。
func (h *Hub) handleMessage(c *Conn, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.sendError(c, "メッセージの形式が不正です", "")
		return
	}

	switch env.Event {
	case EventJoin, EventLeave:
		var p GroupPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.UserID == "" {
			h.sendError(c, "userIdが必要です", "")
			return
		}
		if env.Event == EventLeave {
			h.LeaveUserGroup(c, p.UserID)
			return
		}
		if err := h.JoinUserGroup(c, p.UserID); err != nil {
			h.sendError(c, err.Error(), "")
		}
	case EventMarkRead:
		var p MarkReadPayload
		if err := json.Unmarshal(env.Data, &p); err != nil || p.NotificationID == "" {
			h.sendError(c, "notificationIdが必要です", "")
			return
		}
		h.markRead(c, p.NotificationID)
	default:
		h.sendError(c, fmt.Sprintf("未知のイベントです: %s", env.Event), "")
	}
}

// markRead は通知を既読にし、所有者の全接続へnotification_readを送る。
func (h *Hub) markRead(c *Conn, id string) {
	h.mu.RLock()
	marker := h.marker
	h.mu.RUnlock()
	if marker == nil {
		h.sendError(c, "既読処理は利用できません", id)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, h.writeWait)
	defer cancel()
	n, err := marker.MarkAsRead(ctx, c.userID, id)
	if err != nil {
		h.sendError(c, err.Error(), id)
		return
	}

	readAt := time.Now().UTC()
	if n.ReadAt != nil {
		readAt = *n.ReadAt
	}
	msg, err := encode(EventNotificationRead, ReadPayload{NotificationID: n.ID, ReadAt: readAt})
	if err != nil {
		h.sendError(c, err.Error(), id)
		return
	}

	c.mu.Lock()
	_, joined := c.groups[c.userID]
	c.mu.Unlock()
	if !joined {
		_ = h.PushToConnection(c, msg)
	}
	_, _ = h.PushToUser(c.userID, msg)
}

func (h *Hub) sendError(c *Conn, message, notificationID string) {
	msg, err := encode(EventError, ErrorPayload{Message: message, NotificationID: notificationID})
	if err != nil {
		return
	}
	_ = h.PushToConnection(c, msg)
}

// reportPresence はプレゼンスのメトリクスを更新する。
func (h *Hub) reportPresence() {
	metrics.SetPresence(len(h.presence.OnlineUsers()), h.presence.ConnectionCount())
}
