package notification

import "errors"

var (
	// ErrNotFound は通知やユーザーが存在しないことを表す。
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition は許可されていない状態遷移を表す。
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrImmutable はキャンセル済み通知への変更を表す。
	ErrImmutable = errors.New("notification is cancelled and immutable")
	// ErrForbidden は他ユーザーの通知を操作しようとしたことを表す。
	ErrForbidden = errors.New("notification belongs to another user")
	// ErrValidation は入力値が不正であることを表す。
	ErrValidation = errors.New("validation failed")
	// ErrAttemptsDecrease は配信試行回数を減らす更新を表す。
	ErrAttemptsDecrease = errors.New("delivery attempts must not decrease")
)
