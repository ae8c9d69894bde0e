package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNew はNew関数でイベントが正しく生成されることを検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("TaskMovedDataでイベントを生成できること", func(t *testing.T) {
		t.Parallel()

		data := TaskMovedData{TaskTitle: "Write docs", From: "Todo", To: "Done"}

		before := time.Now().UTC()
		ev, err := New(TypeTaskMoved, AggregateTypeTask, "task-1", "user-a", []string{"user-b", "user-c"}, data)
		after := time.Now().UTC()
		require.NoError(t, err)

		assert.NotEmpty(t, ev.ID)
		assert.Equal(t, TypeTaskMoved, ev.Type)
		assert.Equal(t, "user-a", ev.ActorID)
		assert.Equal(t, []string{"user-b", "user-c"}, ev.Recipients)
		assert.False(t, ev.CreatedAt.Before(before), "CreatedAt = %v", ev.CreatedAt)
		assert.False(t, ev.CreatedAt.After(after), "CreatedAt = %v", ev.CreatedAt)

		decoded, err := DecodeData[TaskMovedData](ev)
		require.NoError(t, err)
		assert.Equal(t, data, *decoded)
	})

	t.Run("呼び出しごとに異なるIDが生成されること", func(t *testing.T) {
		t.Parallel()

		a, _ := New(TypeTaskCompleted, AggregateTypeTask, "task-1", "u", []string{"v"}, TaskCompletedData{})
		b, _ := New(TypeTaskCompleted, AggregateTypeTask, "task-1", "u", []string{"v"}, TaskCompletedData{})
		assert.NotEqual(t, a.ID, b.ID)
	})

	t.Run("シリアライズできないデータはエラーになること", func(t *testing.T) {
		t.Parallel()

		_, err := New(TypeTaskUpdated, AggregateTypeTask, "task-1", "u", []string{"v"}, make(chan int))
		assert.Error(t, err)
	})
}

// TestParse はParse関数の検証を行う。
func TestParse(t *testing.T) {
	t.Parallel()

	t.Run("JSONからイベントを復元できること", func(t *testing.T) {
		t.Parallel()

		raw := []byte(`{"id":"ev-1","type":"task.assigned","aggregateId":"task-9","aggregateType":"task",` +
			`"actorId":"user-a","recipients":["user-b"],"data":{"taskTitle":"Fix bug","assigneeId":"user-b"}}`)
		ev, err := Parse(raw)
		require.NoError(t, err)
		data, err := DecodeData[TaskAssignedData](ev)
		require.NoError(t, err)
		assert.Equal(t, "user-b", data.AssigneeID)
	})

	tests := []struct {
		name string
		raw  string
	}{
		{name: "typeが空", raw: `{"aggregateId":"t","recipients":["u"]}`},
		{name: "aggregateIdが空", raw: `{"type":"task.moved","recipients":["u"]}`},
		{name: "recipientsが空", raw: `{"type":"task.moved","aggregateId":"t","recipients":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name+"の場合ErrInvalidになること", func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(tt.raw))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}

	t.Run("不正なJSONはエラーになること", func(t *testing.T) {
		t.Parallel()
		_, err := Parse([]byte("{"))
		assert.Error(t, err)
	})
}

// TestDecodeData_TypeMismatch は型が合わない場合にエラーになることを検証する。
func TestDecodeData_TypeMismatch(t *testing.T) {
	t.Parallel()

	ev := &Event{Data: json.RawMessage(`{"fields":"not-a-list"}`)}
	_, err := DecodeData[TaskUpdatedData](ev)
	assert.Error(t, err)
}
