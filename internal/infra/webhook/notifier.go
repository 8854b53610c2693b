package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"skyquery/internal/domain"

	"github.com/go-resty/resty/v2"
)

const (
	colorInfo  = 0x2ECC71
	colorError = 0xE74C3C
	username   = "SkyQuery"
)

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type embed struct {
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Timestamp   string       `json:"timestamp"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields,omitempty"`
}

type payload struct {
	Username string  `json:"username"`
	Embeds   []embed `json:"embeds"`
}

// Notifier posts operational notifications to a Discord-compatible webhook
type Notifier struct {
	http   *resty.Client
	url    string
	logger *slog.Logger
}

// NewNotifier returns nil when url is empty; callers treat a nil notifier as disabled
func NewNotifier(url string) *Notifier {
	if url == "" {
		return nil
	}
	client := resty.New()
	client.SetTimeout(10 * time.Second)
	client.SetHeader("Content-Type", "application/json")
	return &Notifier{
		http:   client,
		url:    url,
		logger: slog.Default().With("module", "webhook"),
	}
}

// Notify sends n as a single embed
func (n *Notifier) Notify(ctx context.Context, note domain.Notification) error {
	e := embed{
		Title:       note.Title,
		Description: note.Message,
		Timestamp:   note.At.UTC().Format(time.RFC3339),
		Color:       colorInfo,
	}
	if note.Level == domain.NotifyError {
		e.Color = colorError
	}

	names := make([]string, 0, len(note.Fields))
	for name := range note.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		e.Fields = append(e.Fields, embedField{Name: name, Value: note.Fields[name], Inline: true})
	}

	resp, err := n.http.R().
		SetContext(ctx).
		SetBody(payload{Username: username, Embeds: []embed{e}}).
		Post(n.url)
	if err != nil {
		return domain.NewNetworkError("webhook post", err)
	}
	if resp.IsError() {
		return domain.NewFatalNetworkError("webhook post", fmt.Errorf("unexpected status %d", resp.StatusCode()))
	}
	n.logger.Debug("Notification delivered", "title", note.Title)
	return nil
}
