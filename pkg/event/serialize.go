package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalid はイベントの必須項目が欠けていることを表す。
var ErrInvalid = errors.New("invalid event")

// New は新しいイベントを生成する。
// dataにはイベント固有のデータ構造体を渡す。JSON形式にシリアライズされる。
func New(eventType Type, aggregateType AggregateType, aggregateID, actorID string, recipients []string, data any) (*Event, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}

	return &Event{
		ID:            uuid.New().String(),
		Type:          eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		ActorID:       actorID,
		Recipients:    recipients,
		Data:          jsonData,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// Parse はJSONからイベントを復元し、必須項目を検証する。
func Parse(raw []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("イベントのデシリアライズに失敗: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Validate はイベントの必須項目を検証する。
func (e *Event) Validate() error {
	switch {
	case e.Type == "":
		return fmt.Errorf("%w: typeが空です", ErrInvalid)
	case e.AggregateID == "":
		return fmt.Errorf("%w: aggregateIdが空です", ErrInvalid)
	case len(e.Recipients) == 0:
		return fmt.Errorf("%w: recipientsが空です", ErrInvalid)
	}
	return nil
}

// DecodeData はイベントのDataフィールドを指定された型にデシリアライズする。
func DecodeData[T any](e *Event) (*T, error) {
	var data T
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}
