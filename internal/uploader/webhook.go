package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/maneesh/hookdrive/internal/ratelimit"
)

var (
	// ErrNoAttachment means the endpoint accepted the message but returned no attachment.
	ErrNoAttachment = errors.New("uploader: response has no attachment")

	errThrottled = errors.New("uploader: rate limited")
)

// StatusError is a non-2xx answer from an endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.Code, e.Body)
}

// Permanent reports whether retrying cannot help.
func (e *StatusError) Permanent() bool {
	if e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests {
		return false
	}
	return e.Code >= 400 && e.Code < 500
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return !se.Permanent()
	}
	return true
}

// webhookMessage is the part of the endpoint's JSON answer we rely on.
type webhookMessage struct {
	ID          string `json:"id"`
	Attachments []struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	} `json:"attachments"`
}

type stored struct {
	URL       string
	ObjectID  string
	MessageID string
}

// part is one chunk ready to be posted.
type part struct {
	FileName string
	Content  string
	Body     io.Reader
	Size     int64
}

// multipartBody streams the part between a pre-rendered multipart head and
// tail so the request has an exact Content-Length and the payload is never
// buffered.
func multipartBody(p part) (io.Reader, string, int64, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("content", p.Content); err != nil {
		return nil, "", 0, fmt.Errorf("failed to write content field: %w", err)
	}
	if _, err := w.CreateFormFile("file", p.FileName); err != nil {
		return nil, "", 0, fmt.Errorf("failed to create file field: %w", err)
	}
	headLen := buf.Len()
	if err := w.Close(); err != nil {
		return nil, "", 0, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	all := buf.Bytes()
	head, tail := all[:headLen], all[headLen:]
	body := io.MultiReader(bytes.NewReader(head), p.Body, bytes.NewReader(tail))
	return body, w.FormDataContentType(), int64(len(all)) + p.Size, nil
}

// postPart sends one attempt of a chunk to an endpoint.
func postPart(ctx context.Context, client *http.Client, endpoint string, limit *ratelimit.State, p part) (*stored, error) {
	body, contentType, length, err := multipartBody(p)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, waitURL(endpoint), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.ContentLength = length
	req.Header.Set("Content-Type", contentType)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		limit.Throttled(resp.Header)
		io.Copy(io.Discard, resp.Body)
		return nil, errThrottled
	}
	limit.Update(resp.Header)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	var m webhookMessage
	if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(m.Attachments) == 0 || m.Attachments[0].URL == "" {
		return nil, ErrNoAttachment
	}

	return &stored{
		URL:       m.Attachments[0].URL,
		ObjectID:  m.Attachments[0].ID,
		MessageID: m.ID,
	}, nil
}

// waitURL asks the endpoint to answer with the created message instead of 204.
func waitURL(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	q := u.Query()
	if q.Get("wait") == "" {
		q.Set("wait", "true")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// EndpointID derives a stable identifier for a webhook URL without its secret
// token: /api/webhooks/<id>/<token> yields <id>. Other URLs fall back to their
// position in the endpoint list.
func EndpointID(endpoint string, position int) string {
	if u, err := url.Parse(endpoint); err == nil {
		segs := strings.Split(strings.Trim(u.Path, "/"), "/")
		for i, s := range segs {
			if s == "webhooks" && i+1 < len(segs) && segs[i+1] != "" {
				return segs[i+1]
			}
		}
	}
	return fmt.Sprintf("endpoint-%d", position)
}
