package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/taskboard/internal/notification"
	"github.com/nao1215/taskboard/pkg/logging"
)

// maxTokenLength はプッシュトークンの最大長。
const maxTokenLength = 512

// saveUserRequest は受信者登録のリクエストボディ。省略した項目は現在の値を保持する。
type saveUserRequest struct {
	Email       *string                   `json:"email"`
	Name        *string                   `json:"name"`
	Timezone    *string                   `json:"timezone"`
	Preferences *notification.Preferences `json:"preferences"`
}

// pushTokenRequest はプッシュトークン登録のリクエストボディ。
type pushTokenRequest struct {
	Token    string `json:"token" binding:"required"`
	Platform string `json:"platform"`
}

// currentUser は認証済みユーザーの登録内容を返す。
// 未登録の場合はJWTのメールアドレスと既定の通知設定で初期化し、existedをfalseにする。
func (s *Server) currentUser(c *gin.Context, userID string) (u *notification.User, existed bool, err error) {
	u, err = s.directory.User(c.Request.Context(), userID)
	if err == nil {
		return u, true, nil
	}
	if !errors.Is(err, notification.ErrNotFound) {
		return nil, false, err
	}
	return &notification.User{
		ID:          userID,
		Email:       c.GetString("email"),
		Preferences: notification.DefaultPreferences(),
	}, false, nil
}

// save は検証して保存し、保存後の登録内容を返す。
func (s *Server) save(ctx context.Context, u *notification.User) (*notification.User, error) {
	if err := u.Validate(); err != nil {
		return nil, err
	}
	if err := s.directory.SaveUser(ctx, u); err != nil {
		return nil, err
	}
	return s.directory.User(ctx, u.ID)
}

// writeUserError はユーザー操作のエラーを返す。
func writeUserError(c *gin.Context, err error, message string) {
	if errors.Is(err, notification.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが登録されていません"})
		return
	}
	writeError(c, err, message)
}

// handleGetUser は認証済みユーザーの登録内容を返すハンドラ。
func (s *Server) handleGetUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		u, err := s.directory.User(c.Request.Context(), userID)
		if err != nil {
			writeUserError(c, err, "ユーザーの取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, u)
	}
}

// handleSaveUser は認証済みユーザーを受信者として登録・更新するハンドラ。
// 新規登録の場合は201を返す。
func (s *Server) handleSaveUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		var req saveUserRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}

		u, existed, err := s.currentUser(c, userID)
		if err != nil {
			writeUserError(c, err, "ユーザーの取得に失敗しました")
			return
		}
		if req.Email != nil {
			u.Email = strings.TrimSpace(*req.Email)
		}
		if req.Name != nil {
			u.Name = strings.TrimSpace(*req.Name)
		}
		if req.Timezone != nil {
			u.Timezone = *req.Timezone
		}
		if req.Preferences != nil {
			u.Preferences = *req.Preferences
		}

		saved, err := s.save(c.Request.Context(), u)
		if err != nil {
			writeUserError(c, err, "ユーザーの保存に失敗しました")
			return
		}
		status := http.StatusOK
		if !existed {
			status = http.StatusCreated
			log := logging.With("server")
			log.Info().Str("user_id", userID).Msg("受信者を登録しました")
		}
		c.JSON(status, saved)
	}
}

// handleGetPreferences は通知設定を返すハンドラ。未登録の場合は既定の設定を返す。
func (s *Server) handleGetPreferences() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		u, _, err := s.currentUser(c, userID)
		if err != nil {
			writeUserError(c, err, "通知設定の取得に失敗しました")
			return
		}
		c.JSON(http.StatusOK, u.Preferences)
	}
}

// handleSavePreferences は通知設定を置き換えるハンドラ。
func (s *Server) handleSavePreferences() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		var prefs notification.Preferences
		if err := c.ShouldBindJSON(&prefs); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストボディが不正です"})
			return
		}

		u, _, err := s.currentUser(c, userID)
		if err != nil {
			writeUserError(c, err, "ユーザーの取得に失敗しました")
			return
		}
		u.Preferences = prefs
		saved, err := s.save(c.Request.Context(), u)
		if err != nil {
			writeUserError(c, err, "通知設定の保存に失敗しました")
			return
		}
		c.JSON(http.StatusOK, saved.Preferences)
	}
}

// handleAddPushToken はプッシュトークンを登録するハンドラ。受信者の登録が先に必要。
func (s *Server) handleAddPushToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		var req pushTokenRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tokenは必須です"})
			return
		}
		token := strings.TrimSpace(req.Token)
		if token == "" || len(token) > maxTokenLength {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tokenが不正です"})
			return
		}

		ctx := c.Request.Context()
		if _, err := s.directory.User(ctx, userID); err != nil {
			writeUserError(c, err, "ユーザーの取得に失敗しました")
			return
		}
		if err := s.directory.AddPushToken(ctx, userID, token, req.Platform); err != nil {
			writeUserError(c, err, "プッシュトークンの登録に失敗しました")
			return
		}
		c.JSON(http.StatusCreated, gin.H{"token": token, "platform": req.Platform})
	}
}

// handleRemovePushToken はプッシュトークンを削除するハンドラ。未登録のトークンでも成功する。
func (s *Server) handleRemovePushToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := requireUser(c)
		if !ok {
			return
		}
		if err := s.directory.RemovePushToken(c.Request.Context(), userID, c.Param("token")); err != nil {
			writeUserError(c, err, "プッシュトークンの削除に失敗しました")
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "プッシュトークンを削除しました"})
	}
}
