// Package server は通知サービスのHTTP APIを提供する。
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/taskboard/internal/notification"
	"github.com/nao1215/taskboard/internal/orchestrator"
	"github.com/nao1215/taskboard/pkg/logging"
	"github.com/nao1215/taskboard/pkg/metrics"
	"github.com/nao1215/taskboard/pkg/middleware"
)

// maxEventBytes はイベント受付APIのリクエストボディの上限。
const maxEventBytes = 1 << 20

// Service は通知の参照と既読操作を提供する。
type Service interface {
	List(ctx context.Context, userID string, f notification.Filter) ([]*notification.Notification, error)
	Stats(ctx context.Context, userID string) (notification.Stats, error)
	Attempts(ctx context.Context, userID, id string) ([]*notification.Attempt, error)
	MarkAsRead(ctx context.Context, userID, id string) (*notification.Notification, error)
	MarkAllAsRead(ctx context.Context, userID string) (int, error)
}

// Directory は受信者とプッシュトークンを登録する。
type Directory interface {
	User(ctx context.Context, id string) (*notification.User, error)
	SaveUser(ctx context.Context, u *notification.User) error
	AddPushToken(ctx context.Context, userID, token, platform string) error
	RemovePushToken(ctx context.Context, userID, token string) error
}

// EventHandler はドメインイベントのJSONを受け付ける。
type EventHandler interface {
	Handle(ctx context.Context, raw []byte) (orchestrator.Receipt, error)
}

// Config はサーバーの設定。
type Config struct {
	Port           string
	JWTSecret      string
	AllowedOrigins []string
}

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// httpServer はShutdownのために保持するHTTPサーバー。
	httpServer *http.Server
	// service は通知の参照と既読操作。
	service Service
	// events はドメインイベントの受付先。
	events EventHandler
	// directory は受信者の登録先。
	directory Directory
	// realtime はWebSocketのハンドラ。
	realtime http.Handler
}

// NewServer は新しい通知サーバーを生成する。
func NewServer(cfg Config, service Service, directory Directory, events EventHandler, realtime http.Handler) *Server {
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORS(cfg.AllowedOrigins))

	s := &Server{
		router:    router,
		service:   service,
		directory: directory,
		events:    events,
		realtime:  realtime,
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.setupRoutes(middleware.JWTAuth(cfg.JWTSecret))
	return s
}

// Handler はルーターを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動する。Shutdownで停止した場合はnilを返す。
func (s *Server) Run() error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown は受付中のリクエストを待ってサーバーを停止する。
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes(auth gin.HandlerFunc) {
	api := s.router.Group("/api/v1")
	api.Use(auth)
	{
		notifications := api.Group("/notifications")
		{
			notifications.GET("", s.handleList())
			notifications.GET("/unread", s.handleListUnread())
			notifications.GET("/stats", s.handleStats())
			notifications.GET("/:id/attempts", s.handleAttempts())
			notifications.PUT("/:id/read", s.handleMarkAsRead())
			notifications.PUT("/read-all", s.handleMarkAllAsRead())
		}

		users := api.Group("/users/me")
		{
			users.GET("", s.handleGetUser())
			users.PUT("", s.handleSaveUser())
			users.GET("/preferences", s.handleGetPreferences())
			users.PUT("/preferences", s.handleSavePreferences())
			users.POST("/push-tokens", s.handleAddPushToken())
			users.DELETE("/push-tokens/:token", s.handleRemovePushToken())
		}

		// ドメインイベントの受付（内部API）
		internal := api.Group("/internal")
		{
			internal.POST("/events", s.handleEvent())
		}
	}

	if s.realtime != nil {
		s.router.GET("/ws", gin.WrapH(s.realtime))
	}
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification"})
	})
}

// parseFilter はクエリパラメータから絞り込み条件を作る。
func parseFilter(c *gin.Context) (notification.Filter, error) {
	var f notification.Filter
	if v := c.Query("status"); v != "" {
		st := notification.Status(v)
		if !st.Valid() {
			return f, fmt.Errorf("statusが不正です: %s", v)
		}
		f.Status = &st
	}
	if v := c.Query("type"); v != "" {
		t := notification.Type(v)
		if !t.Valid() {
			return f, fmt.Errorf("typeが不正です: %s", v)
		}
		f.Type = &t
	}
	if v := c.Query("unread"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("unreadが不正です: %s", v)
		}
		f.UnreadOnly = b
	}
	for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
		v := c.Query(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, fmt.Errorf("%sが不正です: %s", name, v)
		}
		*dst = n
	}
	return f, nil
}

// writeError はエラーの種類に応じたステータスコードでエラーを返す。
func writeError(c *gin.Context, err error, message string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, notification.ErrNotFound):
		status = http.StatusNotFound
		message = "通知が見つかりません"
	case errors.Is(err, notification.ErrForbidden):
		status = http.StatusForbidden
		message = "この通知を操作する権限がありません"
	case errors.Is(err, notification.ErrInvalidTransition), errors.Is(err, notification.ErrImmutable):
		status = http.StatusConflict
		message = err.Error()
	case errors.Is(err, notification.ErrValidation):
		status = http.StatusBadRequest
		message = err.Error()
	}
	if status == http.StatusInternalServerError {
		log := logging.With("server")
		log.Error().Err(err).Str("path", c.FullPath()).Msg(message)
	}
	c.JSON(status, gin.H{"error": message})
}

// requireUser は認証済みのユーザーIDを返す。取得できない場合は401を返してfalseを返す。
func requireUser(c *gin.Context) (string, bool) {
	userID := middleware.GetUserID(c)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
		return "", false
	}
	return userID, true
}

// handleList は認証済みユーザーの通知一覧を返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		f, err := parseFilter(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		notifications, err := s.service.List(c.Request.Context(), userID, f)
		if err != nil {
			writeError(c, err, "通知一覧の取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, notifications)
	}
}

// handleListUnread は認証済みユーザーの未読通知一覧を返すハンドラ。
func (s *Server) handleListUnread() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		f, err := parseFilter(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		f.UnreadOnly = true

		notifications, err := s.service.List(c.Request.Context(), userID, f)
		if err != nil {
			writeError(c, err, "未読通知一覧の取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, notifications)
	}
}

// handleStats は認証済みユーザーの通知の集計を返すハンドラ。
func (s *Server) handleStats() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		stats, err := s.service.Stats(c.Request.Context(), userID)
		if err != nil {
			writeError(c, err, "通知の集計に失敗しました")
			return
		}
		c.JSON(http.StatusOK, stats)
	}
}

// handleAttempts は通知の配信試行の履歴を返すハンドラ。
func (s *Server) handleAttempts() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		attempts, err := s.service.Attempts(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			writeError(c, err, "配信試行の取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, attempts)
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		n, err := s.service.MarkAsRead(c.Request.Context(), userID, c.Param("id"))
		if err != nil {
			writeError(c, err, "通知の既読処理に失敗しました")
			return
		}
		c.JSON(http.StatusOK, n)
	}
}

// handleMarkAllAsRead は認証済みユーザーの全通知を既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		count, err := s.service.MarkAllAsRead(c.Request.Context(), userID)
		if err != nil {
			writeError(c, err, "全通知の既読処理に失敗しました")
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "全通知を既読にしました", "count": count})
	}
}

// handleEvent はドメインイベントを受け付け、配信を開始するハンドラ。
// 配信の完了は待たずに202を返す。
func (s *Server) handleEvent() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストの読み込みに失敗しました"})
			return
		}
		if len(raw) > maxEventBytes {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "リクエストが大きすぎます"})
			return
		}

		receipt, err := s.events.Handle(c.Request.Context(), raw)
		if err != nil {
			if errors.Is(err, orchestrator.ErrClosed) {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			}
			writeError(c, err, "イベントの受付に失敗しました")
			return
		}
		c.JSON(http.StatusAccepted, receipt)
	}
}
