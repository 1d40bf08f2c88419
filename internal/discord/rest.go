package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"

	"go.uber.org/zap"

	"github.com/ahnafnafee/eas-discord-build-notify/internal/notify"
)

// APIError is a non-2xx answer from the Discord REST API.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

type messagePayload struct {
	Embeds      []notify.Embed      `json:"embeds"`
	Attachments []attachmentPayload `json:"attachments,omitempty"`
}

type attachmentPayload struct {
	ID       int    `json:"id"`
	Filename string `json:"filename"`
}

// Send posts n to ch in a single request, uploading its attachment if any.
func (c *Client) Send(ctx context.Context, ch *Channel, n notify.Notification) error {
	if ch == nil {
		return ErrNotReady
	}

	payload := messagePayload{Embeds: []notify.Embed{n.Embed}}
	if n.Attachment != nil {
		payload.Attachments = []attachmentPayload{{ID: 0, Filename: n.Attachment.Name}}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	body := io.Reader(bytes.NewReader(encoded))
	contentType := "application/json"
	if n.Attachment != nil {
		form, formType, err := multipartMessage(encoded, n.Attachment)
		if err != nil {
			return err
		}
		body, contentType = form, formType
	}

	path := "/channels/" + ch.ID + "/messages"
	if err := c.do(ctx, http.MethodPost, path, body, contentType, nil); err != nil {
		return err
	}
	c.logger.Debug("message posted", zap.String("channel_id", ch.ID), zap.Bool("attachment", n.Attachment != nil))
	return nil
}

func multipartMessage(payloadJSON []byte, att *notify.Attachment) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="payload_json"`)
	header.Set("Content-Type", "application/json")
	part, err := w.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(payloadJSON); err != nil {
		return nil, "", err
	}

	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header = make(textproto.MIMEHeader)
	disposition := mime.FormatMediaType("form-data", map[string]string{"name": "files[0]", "filename": att.Name})
	if disposition == "" {
		return nil, "", fmt.Errorf("invalid attachment name %q", att.Name)
	}
	header.Set("Content-Disposition", disposition)
	header.Set("Content-Type", contentType)
	part, err = w.CreatePart(header)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(att.Data); err != nil {
		return nil, "", err
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// resolveChannel fetches the configured channel, retrying transport failures,
// rate limits and server errors with backoff until ctx ends.
func (c *Client) resolveChannel(ctx context.Context) (*Channel, error) {
	backoff := c.retryDelay
	for {
		ch, err := c.fetchChannel(ctx)
		if err == nil {
			return ch, nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return nil, err
		}
		c.logger.Warn("channel fetch failed", zap.Error(err), zap.Duration("retry_in", backoff))
		wait(ctx, backoff)
		backoff = nextBackoff(backoff)
	}
}

// retryable is false for API answers that will not change on their own,
// such as a bad token or an unknown channel.
func retryable(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
}

func (c *Client) fetchChannel(ctx context.Context) (*Channel, error) {
	var ch Channel
	if err := c.do(ctx, http.MethodGet, "/channels/"+c.cfg.ChannelID, nil, "", &ch); err != nil {
		return nil, fmt.Errorf("fetch channel %s: %w", c.cfg.ChannelID, err)
	}
	return &ch, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.APIBase+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+c.cfg.Token)
	req.Header.Set("User-Agent", userAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: string(snippet)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
