// Package trigger はタスクボードのドメインイベントを通知イベントに変換し、配信を依頼する。
package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/nao1215/taskboard/internal/notification"
	"github.com/nao1215/taskboard/internal/orchestrator"
	"github.com/nao1215/taskboard/pkg/event"
	"github.com/nao1215/taskboard/pkg/logging"
)

// ErrUnsupported は通知の対象にならないイベント種別を表す。
var ErrUnsupported = fmt.Errorf("%w: 未対応のイベント種別です", notification.ErrValidation)

// maxExcerpt はメッセージに含めるコメント抜粋の最大文字数。
const maxExcerpt = 140

// Dispatcher は通知イベントの配信を受け付ける。
type Dispatcher interface {
	Dispatch(ctx context.Context, e orchestrator.Event) (orchestrator.Receipt, error)
}

// EventLog は処理済みのイベントを記録する。再配送されたイベントの重複通知を防ぐ。
type EventLog interface {
	RecordEvent(ctx context.Context, id, eventType, aggregateID string) (bool, error)
	ForgetEvent(ctx context.Context, id string) error
}

// Handler はドメインイベントを受け取り、通知の配信を依頼する。
type Handler struct {
	directory  notification.Directory
	dispatcher Dispatcher
	events     EventLog
}

// Option はHandlerの設定を変更する。
type Option func(*Handler)

// WithEventLog は処理済みイベントの記録先を設定する。
func WithEventLog(l EventLog) Option {
	return func(h *Handler) { h.events = l }
}

// NewHandler はHandlerを生成する。directoryはアクターの表示名の解決に使う。
func NewHandler(directory notification.Directory, dispatcher Dispatcher, opts ...Option) *Handler {
	h := &Handler{directory: directory, dispatcher: dispatcher}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle はJSONのイベントを解釈して配信を依頼する。
// 不正なイベントはnotification.ErrValidationをラップしたエラーになる。
func (h *Handler) Handle(ctx context.Context, raw []byte) (orchestrator.Receipt, error) {
	e, err := event.Parse(raw)
	if err != nil {
		return orchestrator.Receipt{}, fmt.Errorf("%w: %w", notification.ErrValidation, err)
	}
	return h.HandleEvent(ctx, e)
}

// HandleEvent はイベントを変換して配信を依頼する。
// 記録先が設定されている場合、処理済みのイベントは配信せずに受信者0件で返す。
func (h *Handler) HandleEvent(ctx context.Context, e *event.Event) (orchestrator.Receipt, error) {
	ne, err := h.Translate(ctx, e)
	if err != nil {
		return orchestrator.Receipt{}, err
	}
	if h.events == nil || e.ID == "" {
		return h.dispatcher.Dispatch(ctx, ne)
	}

	first, err := h.events.RecordEvent(ctx, e.ID, string(e.Type), e.AggregateID)
	if err != nil {
		return orchestrator.Receipt{}, err
	}
	if !first {
		log := logging.With("trigger")
		log.Info().Str("event_id", e.ID).Str("type", string(e.Type)).Msg("処理済みのイベントをスキップしました")
		return orchestrator.Receipt{EventID: e.ID}, nil
	}
	receipt, err := h.dispatcher.Dispatch(ctx, ne)
	if err != nil {
		if ferr := h.events.ForgetEvent(context.WithoutCancel(ctx), e.ID); ferr != nil {
			return orchestrator.Receipt{}, errors.Join(err, ferr)
		}
		return orchestrator.Receipt{}, err
	}
	return receipt, nil
}

// Translate はドメインイベントを通知イベントに変換する。
func (h *Handler) Translate(ctx context.Context, e *event.Event) (orchestrator.Event, error) {
	if err := e.Validate(); err != nil {
		return orchestrator.Event{}, fmt.Errorf("%w: %w", notification.ErrValidation, err)
	}

	actor := h.actorName(ctx, e.ActorID)
	out := orchestrator.Event{
		ID:         e.ID,
		ActorID:    e.ActorID,
		Recipients: e.Recipients,
		SourceID:   e.AggregateID,
		SourceType: string(e.AggregateType),
		Priority:   notification.PriorityNormal,
	}

	switch e.Type {
	case event.TypeTaskMoved:
		d, err := decode[event.TaskMovedData](e)
		if err != nil {
			return orchestrator.Event{}, err
		}
		out.Type = notification.TypeTaskMoved
		out.Message = fmt.Sprintf(`%s moved task "%s" from %s to %s`, actor, d.TaskTitle, d.From, d.To)
		out.Data = map[string]any{"taskTitle": d.TaskTitle, "from": d.From, "to": d.To}
		if d.ProjectID != "" {
			out.Data["projectId"] = d.ProjectID
		}
	case event.TypeTaskAssigned:
		d, err := decode[event.TaskAssignedData](e)
		if err != nil {
			return orchestrator.Event{}, err
		}
		out.Type = notification.TypeTaskAssigned
		out.Priority = notification.PriorityHigh
		out.Message = fmt.Sprintf(`%s assigned you to task "%s"`, actor, d.TaskTitle)
		out.Data = map[string]any{"taskTitle": d.TaskTitle, "assigneeId": d.AssigneeID}
		if d.DueDate != nil {
			out.Data["dueDate"] = d.DueDate.UTC().Format("2006-01-02")
		}
		out.Recipients = appendMissing(out.Recipients, d.AssigneeID)
	case event.TypeTaskUpdated:
		d, err := decode[event.TaskUpdatedData](e)
		if err != nil {
			return orchestrator.Event{}, err
		}
		out.Type = notification.TypeTaskUpdated
		out.Message = fmt.Sprintf(`%s updated task "%s"`, actor, d.TaskTitle)
		if len(d.Fields) > 0 {
			out.Message += fmt.Sprintf(" (%s)", strings.Join(d.Fields, ", "))
		}
		out.Data = map[string]any{"taskTitle": d.TaskTitle, "fields": d.Fields}
	case event.TypeTaskCompleted:
		d, err := decode[event.TaskCompletedData](e)
		if err != nil {
			return orchestrator.Event{}, err
		}
		out.Type = notification.TypeTaskCompleted
		out.Message = fmt.Sprintf(`%s completed task "%s"`, actor, d.TaskTitle)
		out.Data = map[string]any{"taskTitle": d.TaskTitle}
	case event.TypeTaskCommented:
		d, err := decode[event.TaskCommentedData](e)
		if err != nil {
			return orchestrator.Event{}, err
		}
		out.Type = notification.TypeComment
		out.Message = fmt.Sprintf(`%s commented on "%s": %s`, actor, d.TaskTitle, truncate(d.Excerpt, maxExcerpt))
		out.Data = map[string]any{"taskTitle": d.TaskTitle, "commentId": d.CommentID}
	case event.TypeProjectMemberAdded:
		d, err := decode[event.ProjectMemberAddedData](e)
		if err != nil {
			return orchestrator.Event{}, err
		}
		out.Type = notification.TypeProjectMemberAdded
		out.Message = fmt.Sprintf(`%s added you to project "%s"`, actor, d.ProjectName)
		if d.Role != "" {
			out.Message += " as " + d.Role
		}
		out.Data = map[string]any{"projectName": d.ProjectName, "memberId": d.MemberID, "role": d.Role}
		out.Recipients = appendMissing(out.Recipients, d.MemberID)
	default:
		return orchestrator.Event{}, fmt.Errorf("%w: %s", ErrUnsupported, e.Type)
	}

	out.Title = out.Type.Label()
	return out, nil
}

// actorName はアクターの表示名を返す。解決できない場合はIDをそのまま使う。
func (h *Handler) actorName(ctx context.Context, actorID string) string {
	if actorID == "" {
		return "Someone"
	}
	if h.directory == nil {
		return actorID
	}
	u, err := h.directory.User(ctx, actorID)
	if err != nil {
		return actorID
	}
	return u.DisplayName()
}

func decode[T any](e *event.Event) (*T, error) {
	d, err := event.DecodeData[T](e)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", notification.ErrValidation, err)
	}
	return d, nil
}

func appendMissing(ids []string, id string) []string {
	if id == "" {
		return ids
	}
	for _, v := range ids {
		if v == id {
			return ids
		}
	}
	return append(append([]string(nil), ids...), id)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}
