package notification

import (
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"
)

// DigestFrequency はメール通知をまとめて送る頻度。
type DigestFrequency string

// ダイジェスト頻度。
const (
	DigestImmediate DigestFrequency = "immediate"
	DigestHourly    DigestFrequency = "hourly"
	DigestDaily     DigestFrequency = "daily"
	DigestWeekly    DigestFrequency = "weekly"
)

// Valid は定義済みの頻度かどうかを返す。
func (f DigestFrequency) Valid() bool {
	switch f {
	case DigestImmediate, DigestHourly, DigestDaily, DigestWeekly:
		return true
	}
	return false
}

// Interval はダイジェストの送信間隔を返す。即時送信の場合は0。
func (f DigestFrequency) Interval() time.Duration {
	switch f {
	case DigestHourly:
		return time.Hour
	case DigestDaily:
		return 24 * time.Hour
	case DigestWeekly:
		return 7 * 24 * time.Hour
	}
	return 0
}

// QuietHours は通知を控える時間帯。
type QuietHours struct {
	Enabled bool `json:"enabled"`
	// Start は開始時刻（"HH:MM"）。
	Start string `json:"start"`
	// End は終了時刻（"HH:MM"）。Startより前の場合は日をまたぐ。
	End string `json:"end"`
	// Timezone はIANAタイムゾーン名。空の場合はUTC。
	Timezone string `json:"timezone"`
}

// Contains はnowが静かな時間帯に含まれるかを返す。
// 開始・終了の両端を含む。設定が不正な場合は含まれないとみなす。
func (q QuietHours) Contains(now time.Time) bool {
	if !q.Enabled {
		return false
	}
	start, err := parseClock(q.Start)
	if err != nil {
		return false
	}
	end, err := parseClock(q.End)
	if err != nil {
		return false
	}
	loc := time.UTC
	if q.Timezone != "" {
		if l, err := time.LoadLocation(q.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	current := local.Hour()*60 + local.Minute()

	if start <= end {
		return current >= start && current <= end
	}
	return current >= start || current <= end
}

// parseClock は"HH:MM"を0時からの経過分に変換する。
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("時刻の形式が不正: %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Preferences はユーザーの通知設定。
type Preferences struct {
	// Enabled はチャネルごとの有効・無効。未設定のチャネルは無効。
	Enabled map[Channel]bool `json:"enabled"`
	// WebhookURL はWEBHOOKチャネルの送信先。
	WebhookURL string `json:"webhookUrl,omitempty"`
	// Muted はミュートされたチャネル。大文字小文字を区別しない。
	Muted []string `json:"muted,omitempty"`
	// QuietHours は静かな時間帯。
	QuietHours QuietHours `json:"quietHours"`
	// TypeChannels は通知種別ごとのチャネル設定。未設定は有効扱い。
	TypeChannels map[Type]map[Channel]bool `json:"typeChannels,omitempty"`
	// Digest はメールのダイジェスト頻度。
	Digest DigestFrequency `json:"digest"`
}

// DefaultPreferences は新規ユーザーの通知設定を返す。
func DefaultPreferences() Preferences {
	return Preferences{
		Enabled: map[Channel]bool{
			ChannelUI:    true,
			ChannelEmail: true,
			ChannelPush:  true,
		},
		Digest: DigestImmediate,
	}
}

// Validate は通知設定の値を検証する。不正な項目はすべてまとめて返す。
func (p Preferences) Validate() error {
	var errs []error
	for c := range p.Enabled {
		if !c.Valid() {
			errs = append(errs, fmt.Errorf("未知のチャネル: %s", c))
		}
	}
	for t, byChannel := range p.TypeChannels {
		if !t.Valid() {
			errs = append(errs, fmt.Errorf("未知の通知種別: %s", t))
		}
		for c := range byChannel {
			if !c.Valid() {
				errs = append(errs, fmt.Errorf("未知のチャネル: %s", c))
			}
		}
	}
	if p.Digest != "" && !p.Digest.Valid() {
		errs = append(errs, fmt.Errorf("ダイジェスト頻度が不正: %s", p.Digest))
	}
	if p.WebhookURL != "" {
		u, err := url.Parse(p.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("webhookUrlが不正: %s", p.WebhookURL))
		}
	}
	if p.QuietHours.Enabled {
		if _, err := parseClock(p.QuietHours.Start); err != nil {
			errs = append(errs, err)
		}
		if _, err := parseClock(p.QuietHours.End); err != nil {
			errs = append(errs, err)
		}
	}
	if p.QuietHours.Timezone != "" {
		if _, err := time.LoadLocation(p.QuietHours.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("タイムゾーンが不正: %s", p.QuietHours.Timezone))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrValidation, errors.Join(errs...))
	}
	return nil
}

// ChannelEnabled はチャネルが有効かどうかを返す。
func (p Preferences) ChannelEnabled(c Channel) bool {
	return p.Enabled[c]
}

// IsMuted はチャネルがミュートされているかを返す。
func (p Preferences) IsMuted(c Channel) bool {
	for _, m := range p.Muted {
		if strings.EqualFold(m, string(c)) {
			return true
		}
	}
	return false
}

// TypeAllowed は通知種別がチャネルで許可されているかを返す。
func (p Preferences) TypeAllowed(t Type, c Channel) bool {
	byChannel, ok := p.TypeChannels[t]
	if !ok {
		return true
	}
	enabled, ok := byChannel[c]
	if !ok {
		return true
	}
	return enabled
}

// DigestFrequency は設定されたダイジェスト頻度を返す。未設定は即時。
func (p Preferences) DigestFrequency() DigestFrequency {
	if !p.Digest.Valid() {
		return DigestImmediate
	}
	return p.Digest
}

// User は通知の受信者。
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Name     string `json:"name"`
	Timezone string `json:"timezone"`
	// Preferences は通知設定。
	Preferences Preferences `json:"preferences"`
	// PushTokens は登録済みのプッシュ通知トークン。
	PushTokens []string `json:"pushTokens,omitempty"`
}

// Validate は受信者の登録内容を検証する。メールアドレスは空でもよい。
func (u *User) Validate() error {
	var errs []error
	if u.ID == "" {
		errs = append(errs, errors.New("ユーザーIDが空です"))
	}
	if u.Email != "" {
		if a, err := mail.ParseAddress(u.Email); err != nil || a.Address != u.Email {
			errs = append(errs, fmt.Errorf("メールアドレスが不正: %s", u.Email))
		}
	}
	if u.Timezone != "" {
		if _, err := time.LoadLocation(u.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("タイムゾーンが不正: %s", u.Timezone))
		}
	}
	if err := u.Preferences.Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrValidation, errors.Join(errs...))
	}
	return nil
}

// DisplayName は表示用の名前を返す。名前が空の場合はIDを返す。
func (u *User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.ID
}
