// Package notify posts operation outcomes to chat and webhook targets.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/rowjay/tender-mirror/internal/config"
)

// Event is sent when a clone, ingest or archive operation ends.
type Event struct {
	OperationID string    `json:"operation_id"`
	Kind        string    `json:"kind"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Items       int       `json:"items"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	Duration    string    `json:"duration"`
	Key         string    `json:"key,omitempty"`
	Error       string    `json:"error,omitempty"`
}

func (e Event) text() string {
	if e.Error != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Status, e.Message, e.Error)
	}
	return fmt.Sprintf("[%s] %s", e.Status, e.Message)
}

type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Multi fans an event out to every target and joins their errors.
type Multi struct {
	Targets []Notifier
}

func (m Multi) Notify(ctx context.Context, event Event) error {
	var errList []error
	for _, target := range m.Targets {
		if target == nil {
			continue
		}
		if err := target.Notify(ctx, event); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}

type Webhook struct {
	Name    string
	URL     string
	Headers map[string]string
	Client  *http.Client
}

func (w Webhook) Notify(ctx context.Context, event Event) error {
	return post(ctx, w.Client, "webhook "+w.Name, w.URL, w.Headers, event)
}

type Mattermost struct {
	Name   string
	URL    string
	Client *http.Client
}

func (m Mattermost) Notify(ctx context.Context, event Event) error {
	return post(ctx, m.Client, "mattermost "+m.Name, m.URL, nil, map[string]string{"text": event.text()})
}

type Matrix struct {
	Name        string
	ServerURL   string
	AccessToken string
	RoomID      string
	Client      *http.Client
}

func (m Matrix) Notify(ctx context.Context, event Event) error {
	endpoint := fmt.Sprintf("%s/_matrix/client/v3/rooms/%s/send/m.room.message/%d",
		m.ServerURL, url.PathEscape(m.RoomID), time.Now().UnixNano())
	payload := map[string]any{
		"msgtype": "m.text",
		"body":    event.text(),
	}
	return post(ctx, m.Client, "matrix "+m.Name, endpoint, map[string]string{"Authorization": "Bearer " + m.AccessToken}, payload)
}

func FromConfig(cfg config.NotificationsConfig) Multi {
	var targets []Notifier
	for _, w := range cfg.Webhooks {
		targets = append(targets, Webhook{Name: w.Name, URL: w.URL, Headers: w.Headers})
	}
	for _, mm := range cfg.Mattermost {
		targets = append(targets, Mattermost{Name: mm.Name, URL: mm.URL})
	}
	for _, mx := range cfg.Matrix {
		targets = append(targets, Matrix{Name: mx.Name, ServerURL: mx.ServerURL, AccessToken: mx.AccessToken, RoomID: mx.RoomID})
	}
	return Multi{Targets: targets}
}

func post(ctx context.Context, client *http.Client, name, target string, headers map[string]string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned %s", name, resp.Status)
	}
	return nil
}
