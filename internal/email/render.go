package email

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/nao1215/taskboard/internal/notification"
)

//go:embed templates/*.html templates/*.txt
var templateFS embed.FS

// Renderer は通知からメールを描画する。
type Renderer struct {
	appName string
	appURL  string
	now     func() time.Time
	html    *htmltemplate.Template
	text    *texttemplate.Template
}

// view はテンプレートに渡すデータ。
type view struct {
	Subject      string
	AppName      string
	AppURL       string
	UserName     string
	Label        string
	Urgent       bool
	Notification *notification.Notification
	Frequency    notification.DigestFrequency
	Items        []*notification.Notification
}

// NewRenderer は埋め込みテンプレートを読み込んでRendererを生成する。
func NewRenderer(appName, appURL string) (*Renderer, error) {
	r := &Renderer{
		appName: appName,
		appURL:  strings.TrimRight(appURL, "/"),
		now:     time.Now,
	}
	funcs := map[string]any{
		"formatDate": func(t time.Time) string { return t.UTC().Format("January 2, 2006") },
		"timeAgo":    func(t time.Time) string { return timeAgo(r.now().Sub(t)) },
	}

	html, err := htmltemplate.New("email").Funcs(funcs).ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("HTMLテンプレートの読み込みに失敗: %w", err)
	}
	text, err := texttemplate.New("email").Funcs(funcs).ParseFS(templateFS, "templates/*.txt")
	if err != nil {
		return nil, fmt.Errorf("テキストテンプレートの読み込みに失敗: %w", err)
	}
	r.html = html
	r.text = text
	return r, nil
}

// Notification は通知1件分のメールを描画する。
// タスク移動の通知は移動元・移動先を含む専用テンプレートを使う。
func (r *Renderer) Notification(u *notification.User, n *notification.Notification) (Message, error) {
	name := "notification"
	if n.Type == notification.TypeTaskMoved && hasKeys(n.Data, "taskTitle", "from", "to") {
		name = "task_moved"
	}
	subject := n.Title
	urgent := n.Metadata.Priority == notification.PriorityUrgent
	if urgent {
		subject = "[Urgent] " + subject
	}
	v := view{
		Subject:      subject,
		AppName:      r.appName,
		AppURL:       r.appURL,
		UserName:     u.DisplayName(),
		Label:        n.Type.Label(),
		Urgent:       urgent,
		Notification: n,
	}
	return r.render(name, u.Email, v)
}

// Digest は複数の通知をまとめたダイジェストメールを描画する。
func (r *Renderer) Digest(u *notification.User, freq notification.DigestFrequency, items []*notification.Notification) (Message, error) {
	if len(items) == 0 {
		return Message{}, fmt.Errorf("ダイジェストに含める通知がありません")
	}
	subject := fmt.Sprintf("%s: %d new notification", r.appName, len(items))
	if len(items) != 1 {
		subject += "s"
	}
	v := view{
		Subject:   subject,
		AppName:   r.appName,
		AppURL:    r.appURL,
		UserName:  u.DisplayName(),
		Frequency: freq,
		Items:     items,
	}
	return r.render("digest", u.Email, v)
}

func (r *Renderer) render(name, to string, v view) (Message, error) {
	var html, text bytes.Buffer
	if err := r.html.ExecuteTemplate(&html, name+".html", v); err != nil {
		return Message{}, fmt.Errorf("テンプレート %s の描画に失敗: %w", name, err)
	}
	if err := r.text.ExecuteTemplate(&text, name+".txt", v); err != nil {
		return Message{}, fmt.Errorf("テンプレート %s の描画に失敗: %w", name, err)
	}
	return Message{
		To:      to,
		Subject: v.Subject,
		HTML:    html.String(),
		Text:    text.String(),
	}, nil
}

func hasKeys(m map[string]any, keys ...string) bool {
	for _, k := range keys {
		if _, ok := m[k]; !ok {
			return false
		}
	}
	return true
}

// timeAgo は経過時間を"3 hours ago"のような表記にする。
func timeAgo(d time.Duration) string {
	plural := func(n int, unit string) string {
		if n == 1 {
			return fmt.Sprintf("1 %s ago", unit)
		}
		return fmt.Sprintf("%d %ss ago", n, unit)
	}
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return plural(int(d/time.Minute), "minute")
	case d < 24*time.Hour:
		return plural(int(d/time.Hour), "hour")
	default:
		return plural(int(d/(24*time.Hour)), "day")
	}
}
