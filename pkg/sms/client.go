package sms

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"txtwise/pkg/outbound"
)

var ErrConfig = errors.New("sms: space url, project id and api token required")

type Config struct {
	// SpaceURL is the account base, e.g. https://example.signalwire.com.
	SpaceURL  string
	ProjectID string
	APIToken  string
	Timeout   time.Duration
}

// Client posts messages to a LaML (Twilio-compatible) Messages endpoint.
type Client struct {
	client *resty.Client
	path   string
}

func NewClient(cfg Config) (*Client, error) {
	space := strings.TrimRight(strings.TrimSpace(cfg.SpaceURL), "/")
	project := strings.TrimSpace(cfg.ProjectID)
	token := strings.TrimSpace(cfg.APIToken)
	if space == "" || project == "" || token == "" {
		return nil, ErrConfig
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		client: resty.New().
			SetBaseURL(space).
			SetBasicAuth(project, token).
			SetHeader("Accept", "application/json").
			SetTimeout(timeout),
		path: fmt.Sprintf("/api/laml/2010-04-01/Accounts/%s/Messages.json", project),
	}, nil
}

type sendResponse struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send implements outbound.Transport.
func (c *Client) Send(ctx context.Context, msg outbound.Message) (string, error) {
	form := map[string]string{
		"From": msg.From,
		"To":   msg.To,
		"Body": msg.Body,
	}
	if msg.MediaURL != "" {
		form["MediaUrl"] = msg.MediaURL
	}
	var ok sendResponse
	var fail errorResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&ok).
		SetError(&fail).
		Post(c.path)
	if err != nil {
		return "", fmt.Errorf("sms request: %w", err)
	}
	if resp.IsError() {
		if fail.Message != "" {
			return "", fmt.Errorf("sms api error: %s", fail.Message)
		}
		return "", fmt.Errorf("sms api error: %s", resp.Status())
	}
	return ok.SID, nil
}

var _ outbound.Transport = (*Client)(nil)
