// Package opensearch indexes step events through the OpenSearch REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/mt5prov/internal/history"
)

// Options configures a Sink. User and Password enable basic auth.
type Options struct {
	URL      string
	Index    string
	User     string
	Password string
	Client   *http.Client
}

// Sink writes one document per run step. The document id is "<run>-<step>",
// so a retried send overwrites instead of duplicating.
type Sink struct {
	opts Options
}

func New(opts Options) *Sink {
	opts.URL = strings.TrimRight(opts.URL, "/")
	if opts.Index == "" {
		opts.Index = "mt5prov-history"
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Sink{opts: opts}
}

type errorBody struct {
	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	id := url.PathEscape(e.RunID + "-" + e.Step)
	u := s.opts.URL + "/" + url.PathEscape(s.opts.Index) + "/_doc/" + id
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.opts.User != "" {
		req.SetBasicAuth(s.opts.User, s.opts.Password)
	}
	resp, err := s.opts.Client.Do(req)
	if err != nil {
		return fmt.Errorf("index %s: %w", s.opts.Index, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	var eb errorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)
	if eb.Error.Reason != "" {
		return fmt.Errorf("index %s: status %d: %s: %s", s.opts.Index, resp.StatusCode, eb.Error.Type, eb.Error.Reason)
	}
	return fmt.Errorf("index %s: status %d", s.opts.Index, resp.StatusCode)
}
