package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"crx-points/internal/ingest"
)

// Severity of a pass notification.
type Severity string

const (
	SeverityFailed   Severity = "failed"
	SeverityDegraded Severity = "degraded"
)

// Notification 封装一次需要关注的摄取结果。
type Notification struct {
	Severity       Severity
	Season         string
	StartedAt      time.Time
	FinishedAt     time.Time
	Full           bool
	RowsIngested   int64
	WalletsUpdated int
	LpFailures     int
	Errors         []string
	Trigger        string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// FromPass builds a notification for a failed or degraded pass. It returns
// false for a clean pass.
func FromPass(summary ingest.PassSummary, err error, trigger string) (Notification, bool) {
	note := Notification{
		Season:         summary.Season,
		StartedAt:      summary.StartedAt,
		FinishedAt:     summary.FinishedAt,
		Full:           summary.Full,
		RowsIngested:   summary.RowsIngested,
		WalletsUpdated: summary.WalletsUpdated,
		LpFailures:     summary.LpFailures,
		Errors:         append([]string(nil), summary.Errors...),
		Trigger:        trigger,
	}
	switch {
	case err != nil:
		note.Severity = SeverityFailed
		note.Errors = append(note.Errors, err.Error())
	case summary.Degraded:
		note.Severity = SeverityDegraded
	default:
		return Notification{}, false
	}
	return note, true
}

// PassHook returns a callback that notifies on failed or degraded passes.
// A nil notifier yields a no-op hook.
func PassHook(n Notifier, trigger string, logger zerolog.Logger) func(ctx context.Context, summary ingest.PassSummary, err error) {
	log := logger.With().Str("component", "alerting").Logger()
	return func(ctx context.Context, summary ingest.PassSummary, err error) {
		if n == nil {
			return
		}
		note, ok := FromPass(summary, err, trigger)
		if !ok {
			return
		}
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if sendErr := n.Notify(sendCtx, note); sendErr != nil {
			log.Warn().Err(sendErr).Str("season", note.Season).Msg("pass alert not delivered")
		}
	}
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram returned ok=false")
	}

	n.logger.Info().Str("season", note.Season).
		Str("severity", string(note.Severity)).
		Msg("pass alert sent")
	return nil
}

func renderMessage(note Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[crxpoints] pass %s\n", note.Severity)
	fmt.Fprintf(&b, "Season: %s\n", note.Season)
	if note.Trigger != "" {
		fmt.Fprintf(&b, "Trigger: %s\n", note.Trigger)
	}
	if !note.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Started: %s UTC\n", note.StartedAt.UTC().Format(time.RFC3339))
	}
	if !note.FinishedAt.IsZero() && !note.StartedAt.IsZero() {
		fmt.Fprintf(&b, "Duration: %s\n", note.FinishedAt.Sub(note.StartedAt).Round(time.Millisecond))
	}
	fmt.Fprintf(&b, "Full: %t\n", note.Full)
	fmt.Fprintf(&b, "Rows: %d, wallets: %d, LP failures: %d\n", note.RowsIngested, note.WalletsUpdated, note.LpFailures)
	for _, e := range note.Errors {
		fmt.Fprintf(&b, "- %s\n", e)
	}
	return b.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
