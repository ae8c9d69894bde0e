// Package event はタスクボードのドメインイベントの型とシリアライズを提供する。
//
// タスクやプロジェクトの変更はイベントとして発行され、
// 通知サービスはこれを受け取って受信者ごとの通知に変換する。
package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

const (
	// AggregateTypeTask はタスクエンティティを表す。
	AggregateTypeTask AggregateType = "task"
	// AggregateTypeProject はプロジェクトエンティティを表す。
	AggregateTypeProject AggregateType = "project"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeTaskMoved はタスクが別の列へ移動されたことを表す。
	TypeTaskMoved Type = "task.moved"
	// TypeTaskAssigned はタスクの担当者が設定されたことを表す。
	TypeTaskAssigned Type = "task.assigned"
	// TypeTaskUpdated はタスクの内容が更新されたことを表す。
	TypeTaskUpdated Type = "task.updated"
	// TypeTaskCompleted はタスクが完了したことを表す。
	TypeTaskCompleted Type = "task.completed"
	// TypeTaskCommented はタスクにコメントが追加されたことを表す。
	TypeTaskCommented Type = "task.commented"
	// TypeProjectMemberAdded はプロジェクトにメンバーが追加されたことを表す。
	TypeProjectMemberAdded Type = "project.member_added"
)

// Event はドメインイベントのエンベロープ。
type Event struct {
	// ID はイベントの一意識別子（UUID）。冪等性キーとして使用する。
	ID string `json:"id"`
	// Type はイベントの種類。
	Type Type `json:"type"`
	// AggregateID は対象エンティティの識別子。
	AggregateID string `json:"aggregateId"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregateType"`
	// ActorID は変更を行ったユーザーのID。
	ActorID string `json:"actorId"`
	// Recipients は通知候補となるユーザーID。
	Recipients []string `json:"recipients"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"createdAt"`
}

// TaskMovedData はtask.movedイベントのデータ。
type TaskMovedData struct {
	// TaskTitle はタスクのタイトル。
	TaskTitle string `json:"taskTitle"`
	// From は移動元の列名。
	From string `json:"from"`
	// To は移動先の列名。
	To string `json:"to"`
	// ProjectID はタスクが属するプロジェクトのID。
	ProjectID string `json:"projectId,omitempty"`
}

// TaskAssignedData はtask.assignedイベントのデータ。
type TaskAssignedData struct {
	TaskTitle  string     `json:"taskTitle"`
	AssigneeID string     `json:"assigneeId"`
	DueDate    *time.Time `json:"dueDate,omitempty"`
}

// TaskUpdatedData はtask.updatedイベントのデータ。
type TaskUpdatedData struct {
	TaskTitle string `json:"taskTitle"`
	// Fields は変更されたフィールド名。
	Fields []string `json:"fields"`
}

// TaskCompletedData はtask.completedイベントのデータ。
type TaskCompletedData struct {
	TaskTitle string `json:"taskTitle"`
}

// TaskCommentedData はtask.commentedイベントのデータ。
type TaskCommentedData struct {
	TaskTitle string `json:"taskTitle"`
	CommentID string `json:"commentId"`
	// Excerpt はコメント本文の抜粋。
	Excerpt string `json:"excerpt"`
}

// ProjectMemberAddedData はproject.member_addedイベントのデータ。
type ProjectMemberAddedData struct {
	ProjectName string `json:"projectName"`
	MemberID    string `json:"memberId"`
	Role        string `json:"role"`
}
