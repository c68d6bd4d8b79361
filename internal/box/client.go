package box

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// RemoteError is a non-2xx reply from a peer box.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("box: remote replied %d: %s", e.StatusCode, e.Message)
}

// Permanent reports whether retrying the same request can ever succeed.
// Validation failures and unsupported objects come back as 4xx; everything
// else is a transient transport or server problem.
func (e *RemoteError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500
}

// Client talks to one remote box. Requests authenticate with the box token
// as a bearer header and run through a per-box circuit breaker so an
// unreachable peer stops costing connection timeouts on every tick.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *breaker
}

// NewClient creates a client for the peer at baseURL.
func NewClient(name, baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
		breaker: newBreaker(name, 3, 30*time.Second),
	}
}

// SendImage posts one anonymized DICOM object into the peer's incoming
// endpoint. body is streamed, not buffered.
func (c *Client) SendImage(ctx context.Context, transactionID, sequenceNumber, totalImageCount int64, body io.Reader) error {
	q := url.Values{}
	q.Set("transactionid", strconv.FormatInt(transactionID, 10))
	q.Set("sequencenumber", strconv.FormatInt(sequenceNumber, 10))
	q.Set("totalimagecount", strconv.FormatInt(totalImageCount, 10))
	resp, err := c.do(ctx, http.MethodPost, "/incoming?"+q.Encode(), "application/octet-stream", body)
	if err != nil {
		return err
	}
	return drainAndClose(resp)
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	if err := c.breaker.allow(); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		c.breaker.failure()
		return nil, err
	}
	c.breaker.success()
	return resp, nil
}

// drainAndClose finishes a response, turning non-2xx statuses into
// RemoteErrors carrying the reply body.
func drainAndClose(resp *http.Response) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &RemoteError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
}
