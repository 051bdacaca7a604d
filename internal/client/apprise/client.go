package apprise

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"

	"github.com/fusionn-mood/internal/config"
	"github.com/fusionn-mood/internal/queue"
	"github.com/fusionn-mood/pkg/logger"
)

// Client wraps the Apprise API.
type Client struct {
	mu     sync.RWMutex
	cfg    config.AppriseConfig
	client *resty.Client
}

// NewClient creates a new Apprise client.
func NewClient(cfg config.AppriseConfig) *Client {
	client := resty.New().
		SetTimeout(30 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(1 * time.Second)

	return &Client{
		cfg:    cfg,
		client: client,
	}
}

// NotifyRequest is the request body for Apprise.
type NotifyRequest struct {
	Body   string `json:"body"`
	Title  string `json:"title,omitempty"`
	Type   string `json:"type,omitempty"` // info, success, warning, failure
	Tag    string `json:"tag,omitempty"`
	Format string `json:"format,omitempty"` // text, markdown, html
}

// JobEvent describes a job reaching a terminal status.
type JobEvent struct {
	JobID     string
	Reference string
	Title     string // video title, empty if metadata never arrived
	Status    queue.Status
	Detail    string
}

// SetConfig swaps the settings used by later notifications, for config
// hot-reload.
func (c *Client) SetConfig(cfg config.AppriseConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
}

// Notify sends a notification via Apprise.
func (c *Client) Notify(title, body, notifyType string) error {
	c.mu.RLock()
	cfg := c.cfg
	c.mu.RUnlock()

	if !cfg.Enabled {
		return nil
	}

	tag := cfg.Tag
	if tag == "" {
		tag = "all"
	}

	req := NotifyRequest{
		Title:  title,
		Body:   body,
		Type:   notifyType,
		Tag:    tag,
		Format: "markdown",
	}

	url := fmt.Sprintf("%s/notify/%s", strings.TrimRight(cfg.BaseURL, "/"), cfg.Key)

	resp, err := c.client.R().
		SetHeader("Content-Type", "application/json").
		SetBody(req).
		Post(url)

	if err != nil {
		return errors.Wrap(err, "apprise request")
	}

	if resp.StatusCode() >= 400 {
		return errors.Newf("apprise error (%d): %s", resp.StatusCode(), resp.String())
	}

	logger.Debugf("🔔 Notification sent: %s", title)
	return nil
}

// NotifySuccess sends a success notification.
func (c *Client) NotifySuccess(title, body string) error {
	return c.Notify(title, body, "success")
}

// NotifyError sends an error notification.
func (c *Client) NotifyError(title, body string) error {
	return c.Notify(title, body, "failure")
}

// NotifyInfo sends an info notification.
func (c *Client) NotifyInfo(title, body string) error {
	return c.Notify(title, body, "info")
}

// NotifyJob sends a notification for a finished job.
func (c *Client) NotifyJob(ev JobEvent) error {
	name := ev.Title
	if name == "" {
		name = ev.Reference
	}
	body := fmt.Sprintf("**%s**\n\nJob: `%s`\nReference: %s\nStatus: %s", name, ev.JobID, ev.Reference, ev.Status)
	if ev.Detail != "" {
		body += "\n" + ev.Detail
	}

	switch ev.Status {
	case queue.StatusCompleted:
		return c.NotifySuccess("🎭 Sentiment Ready", body)
	case queue.StatusFailed:
		return c.NotifyError("❌ Video Analysis Failed", body)
	}
	return c.NotifyInfo("ℹ️ Job "+string(ev.Status), body)
}
