package notification

// Type は通知の種類を表す閉じた列挙型。
type Type string

// 通知の種類。
const (
	TypeComment              Type = "COMMENT"
	TypeCommentReply         Type = "COMMENT_REPLY"
	TypeMention              Type = "MENTION"
	TypeTaskAssigned         Type = "TASK_ASSIGNED"
	TypeTaskUpdated          Type = "TASK_UPDATED"
	TypeTaskMoved            Type = "TASK_MOVED"
	TypeTaskCompleted        Type = "TASK_COMPLETED"
	TypeTaskDueSoon          Type = "TASK_DUE_SOON"
	TypeTaskOverdue          Type = "TASK_OVERDUE"
	TypeProjectCreated       Type = "PROJECT_CREATED"
	TypeProjectUpdated       Type = "PROJECT_UPDATED"
	TypeProjectDeleted       Type = "PROJECT_DELETED"
	TypeProjectMemberAdded   Type = "PROJECT_MEMBER_ADDED"
	TypeProjectMemberRemoved Type = "PROJECT_MEMBER_REMOVED"
	TypeSystemUpdate         Type = "SYSTEM_UPDATE"
	TypeMaintenance          Type = "MAINTENANCE"
	TypeSecurityAlert        Type = "SECURITY_ALERT"
	TypeWelcome              Type = "WELCOME"
	TypePasswordChanged      Type = "PASSWORD_CHANGED"
	TypeEmailVerified        Type = "EMAIL_VERIFIED"
	TypeTeamInvitation       Type = "TEAM_INVITATION"
	TypeTeamJoined           Type = "TEAM_JOINED"
	TypeTeamLeft             Type = "TEAM_LEFT"
	TypeFileUploaded         Type = "FILE_UPLOADED"
	TypeFileShared           Type = "FILE_SHARED"
	TypeFileDeleted          Type = "FILE_DELETED"
	TypeMeetingScheduled     Type = "MEETING_SCHEDULED"
	TypeMeetingCancelled     Type = "MEETING_CANCELLED"
	TypeMeetingReminder      Type = "MEETING_REMINDER"
)

var typeLabels = map[Type]string{
	TypeComment:              "New Comment",
	TypeCommentReply:         "Comment Reply",
	TypeMention:              "You were mentioned",
	TypeTaskAssigned:         "Task Assigned",
	TypeTaskUpdated:          "Task Updated",
	TypeTaskMoved:            "Task Moved",
	TypeTaskCompleted:        "Task Completed",
	TypeTaskDueSoon:          "Task Due Soon",
	TypeTaskOverdue:          "Task Overdue",
	TypeProjectCreated:       "Project Created",
	TypeProjectUpdated:       "Project Updated",
	TypeProjectDeleted:       "Project Deleted",
	TypeProjectMemberAdded:   "Member Added",
	TypeProjectMemberRemoved: "Member Removed",
	TypeSystemUpdate:         "System Update",
	TypeMaintenance:          "Maintenance",
	TypeSecurityAlert:        "Security Alert",
	TypeWelcome:              "Welcome",
	TypePasswordChanged:      "Password Changed",
	TypeEmailVerified:        "Email Verified",
	TypeTeamInvitation:       "Team Invitation",
	TypeTeamJoined:           "Team Joined",
	TypeTeamLeft:             "Team Left",
	TypeFileUploaded:         "File Uploaded",
	TypeFileShared:           "File Shared",
	TypeFileDeleted:          "File Deleted",
	TypeMeetingScheduled:     "Meeting Scheduled",
	TypeMeetingCancelled:     "Meeting Cancelled",
	TypeMeetingReminder:      "Meeting Reminder",
}

// Valid は列挙値に含まれる種類かどうかを返す。
func (t Type) Valid() bool {
	_, ok := typeLabels[t]
	return ok
}

// Label は表示用のラベルを返す。
func (t Type) Label() string {
	return typeLabels[t]
}

// Channel は配信チャネルを表す閉じた列挙型。
type Channel string

// 配信チャネル。
const (
	ChannelUI      Channel = "UI"
	ChannelEmail   Channel = "EMAIL"
	ChannelPush    Channel = "PUSH"
	ChannelSMS     Channel = "SMS"
	ChannelWebhook Channel = "WEBHOOK"
)

// channelPriorities はチャネルの相対優先度。値が小さいほど優先される。
var channelPriorities = map[Channel]int{
	ChannelUI:      1,
	ChannelPush:    2,
	ChannelEmail:   3,
	ChannelSMS:     4,
	ChannelWebhook: 5,
}

var channelLabels = map[Channel]string{
	ChannelUI:      "In-App",
	ChannelEmail:   "Email",
	ChannelPush:    "Push Notification",
	ChannelSMS:     "SMS",
	ChannelWebhook: "Webhook",
}

// AllChannels は優先度順に並べた全チャネルを返す。
func AllChannels() []Channel {
	return []Channel{ChannelUI, ChannelPush, ChannelEmail, ChannelSMS, ChannelWebhook}
}

// Valid は列挙値に含まれるチャネルかどうかを返す。
func (c Channel) Valid() bool {
	_, ok := channelPriorities[c]
	return ok
}

// Priority はチャネルの相対優先度を返す。未知のチャネルは最低優先度になる。
func (c Channel) Priority() int {
	if p, ok := channelPriorities[c]; ok {
		return p
	}
	return len(channelPriorities) + 1
}

// Label は表示用のラベルを返す。
func (c Channel) Label() string {
	return channelLabels[c]
}

// Status は通知の配信状態。
type Status string

// 通知の配信状態。
const (
	StatusPending   Status = "PENDING"
	StatusSent      Status = "SENT"
	StatusDelivered Status = "DELIVERED"
	StatusRead      Status = "READ"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusRetrying  Status = "RETRYING"
)

// Valid は列挙値に含まれる状態かどうかを返す。
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusRead,
		StatusFailed, StatusCancelled, StatusRetrying:
		return true
	}
	return false
}

// Priority は通知の重要度。
type Priority string

// 通知の重要度。
const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid は列挙値に含まれる重要度かどうかを返す。
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}
