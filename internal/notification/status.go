package notification

import (
	"fmt"
	"time"
)

// transitions は許可される状態遷移の表。CANCELLEDへの遷移は別途扱う。
var transitions = map[Status][]Status{
	StatusPending:   {StatusSent, StatusFailed},
	StatusSent:      {StatusDelivered, StatusRead},
	StatusDelivered: {StatusRead},
	StatusFailed:    {StatusRetrying},
	StatusRetrying:  {StatusSent, StatusFailed},
}

// CanTransition はfromからtoへの遷移が許可されているかを返す。
// CANCELLEDとREADは終端状態で、それ以外の全状態からCANCELLEDへ遷移できる。
func CanTransition(from, to Status) bool {
	if from == StatusCancelled || from == StatusRead {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Patch は通知の部分更新。nilのフィールドは変更しない。
type Patch struct {
	// Status は遷移先の状態。
	Status *Status
	// SentAt は配信成功日時。
	SentAt *time.Time
	// ReadAt は既読日時。Statusが READ の場合のみ意味を持つ。
	ReadAt *time.Time
	// AddAttempts は配信試行回数への加算値。負の値は拒否される。
	AddAttempts int
	// Channels は配信チャネル集合の置き換え。
	Channels []Channel
}

// StatusPatch は状態のみを変更するPatchを返す。
func StatusPatch(s Status) Patch {
	return Patch{Status: &s}
}

// ApplyPatch は通知にPatchを適用する。
// 状態遷移と不変条件（readAt ⇒ READ、試行回数の単調増加、CANCELLEDの不変性）を検証する。
// 既にREADの通知をREADにするPatchは何も変更せず成功する。
// 戻り値のchangedはレコードに変更があったかどうか。
func ApplyPatch(n *Notification, p Patch, now time.Time) (changed bool, err error) {
	if n.Status == StatusCancelled {
		return false, ErrImmutable
	}
	if p.AddAttempts < 0 {
		return false, ErrAttemptsDecrease
	}

	next := *n
	if p.Status != nil && *p.Status != n.Status {
		if !CanTransition(n.Status, *p.Status) {
			return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, n.Status, *p.Status)
		}
		next.Status = *p.Status
		changed = true

		switch next.Status {
		case StatusRead:
			readAt := now
			if p.ReadAt != nil {
				readAt = *p.ReadAt
			}
			next.ReadAt = &readAt
		case StatusSent:
			sentAt := now
			if p.SentAt != nil {
				sentAt = *p.SentAt
			}
			next.SentAt = &sentAt
		}
	} else if p.Status != nil && *p.Status == StatusRead {
		// 既読の再適用は冪等。readAtは最初の値を保持する。
		if p.AddAttempts == 0 && p.Channels == nil {
			return false, nil
		}
	}

	if p.AddAttempts > 0 {
		next.DeliveryAttempts += p.AddAttempts
		changed = true
	}
	if p.Channels != nil {
		next.Channels = append([]Channel(nil), p.Channels...)
		changed = true
	}
	if next.ReadAt != nil && next.Status != StatusRead {
		return false, fmt.Errorf("%w: readAtはREAD状態でのみ設定できる", ErrInvalidTransition)
	}

	if changed {
		next.UpdatedAt = now
		*n = next
	}
	return changed, nil
}
