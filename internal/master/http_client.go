package master

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codetrek/forkdb/internal/replication"
	"github.com/codetrek/forkdb/pkg/model"
)

// TokenProvider returns a bearer token for outgoing requests. A nil
// provider sends unauthenticated requests.
type TokenProvider func(ctx context.Context) (string, error)

// HTTPClient implements replication.MasterHandler against a remote Server.
type HTTPClient struct {
	baseURL string
	token   TokenProvider
	http    *http.Client

	// stream has no client timeout: the SSE connection is long-lived and
	// its lifetime is bound to the subscription context instead.
	stream *http.Client
}

func NewHTTPClient(baseURL string, token TokenProvider) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 2 * time.Minute},
		stream:  &http.Client{},
	}
}

func (c *HTTPClient) PullChanges(ctx context.Context, cp replication.Checkpoint, limit int) (*replication.PullResponse, error) {
	q := url.Values{}
	if !cp.IsZero() {
		raw, err := json.Marshal(cp)
		if err != nil {
			return nil, fmt.Errorf("encode checkpoint: %w", err)
		}
		q.Set("checkpoint", string(raw))
	}
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/replication/pull?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var resp replication.PullResponse
	if err := c.do(req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) PushRows(ctx context.Context, rows []replication.WriteIntent) ([]replication.PushResult, error) {
	body, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("encode push rows: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/replication/push", strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	var results []replication.PushResult
	if err := c.do(req, &results); err != nil {
		return nil, err
	}
	return results, nil
}

// ChangeStream consumes the server's SSE feed. The returned channel closes
// when the connection drops or ctx ends; the replication state resubscribes.
func (c *HTTPClient) ChangeStream(ctx context.Context) (<-chan *model.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/replication/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if err := c.setAuth(req); err != nil {
		return nil, err
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("stream: unexpected status %d", resp.StatusCode)
	}

	ch := make(chan *model.Document, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			payload, ok := strings.CutPrefix(line, "data: ")
			if !ok {
				continue
			}
			var doc model.Document
			if err := json.Unmarshal([]byte(payload), &doc); err != nil {
				continue
			}
			select {
			case ch <- &doc:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

func (c *HTTPClient) setAuth(req *http.Request) error {
	if c.token == nil {
		return nil
	}
	token, err := c.token(req.Context())
	if err != nil {
		return fmt.Errorf("token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

func (c *HTTPClient) do(req *http.Request, out interface{}) error {
	if err := c.setAuth(req); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("master returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
