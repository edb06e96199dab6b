// ============================================================================
// bulkwrite API Client - remote outline service
// ============================================================================
//
// Package: internal/apiclient
// File: client.go
// Purpose: the mutation collaborator used by workers and executors
//
// Endpoints (JSON bodies, bearer auth):
//   POST   /nodes/insert           {parent_id, content, position} -> {nodes:[{id,name}]}
//   POST   /nodes                  {parent_id, name, note, position} -> {id,name}
//   PATCH  /nodes/{id}             {name?, note?, completed?}
//   DELETE /nodes/{id}
//   POST   /nodes/{id}/move        {parent_id, position}
//   POST   /nodes/{id}/complete
//   POST   /nodes/{id}/uncomplete
//
// Errors:
//   non-2xx responses become *StatusError, which wraps ErrAPI.
//   Nothing is retried here; retries belong to the orchestrator.
//
// ============================================================================

package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ChuLiYu/bulkwrite/pkg/types"
)

// ErrAPI is wrapped by every error returned for a non-2xx response
var ErrAPI = errors.New("api request failed")

// ErrUnknownOperation is returned by Apply for an unsupported kind
var ErrUnknownOperation = errors.New("unknown operation kind")

// StatusError carries the HTTP status of a failed request
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func (e *StatusError) Unwrap() error {
	return ErrAPI
}

// Retryable reports whether the status is worth another attempt
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Config holds the connection settings
type Config struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger replaces the default slog logger
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// Client talks to the remote outline service
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a client. A zero Timeout means 30s.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("api base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type insertRequest struct {
	ParentID string `json:"parent_id"`
	Content  string `json:"content"`
	Position string `json:"position,omitempty"`
}

type insertResponse struct {
	Nodes []types.CreatedNode `json:"nodes"`
}

// InsertContent creates the outline in content under parentID.
// Its signature matches worker.WriteFunc.
func (c *Client) InsertContent(ctx context.Context, parentID, content, position string) ([]types.CreatedNode, error) {
	var resp insertResponse
	err := c.do(ctx, http.MethodPost, "/nodes/insert", insertRequest{
		ParentID: parentID,
		Content:  content,
		Position: position,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

type createRequest struct {
	ParentID string `json:"parent_id"`
	Name     string `json:"name"`
	Note     string `json:"note,omitempty"`
	Position string `json:"position,omitempty"`
}

// CreateNode creates a single node
func (c *Client) CreateNode(ctx context.Context, parentID, name, note, position string) (types.CreatedNode, error) {
	var node types.CreatedNode
	err := c.do(ctx, http.MethodPost, "/nodes", createRequest{
		ParentID: parentID,
		Name:     name,
		Note:     note,
		Position: position,
	}, &node)
	return node, err
}

type updateRequest struct {
	Name      *string `json:"name,omitempty"`
	Note      *string `json:"note,omitempty"`
	Completed *bool   `json:"completed,omitempty"`
}

// UpdateNode applies the non-nil fields of u
func (c *Client) UpdateNode(ctx context.Context, u types.NodeUpdate) error {
	if u.NodeID == "" {
		return errors.New("node id is required")
	}
	return c.do(ctx, http.MethodPatch, nodePath(u.NodeID), updateRequest{
		Name:      u.Name,
		Note:      u.Note,
		Completed: u.Completed,
	}, nil)
}

type moveRequest struct {
	ParentID string `json:"parent_id"`
	Position string `json:"position,omitempty"`
}

// Apply runs one batch operation
func (c *Client) Apply(ctx context.Context, op types.Operation) error {
	if op.Kind != types.OpCreate && op.NodeID == "" {
		return fmt.Errorf("%s: node id is required", op.Kind)
	}

	switch op.Kind {
	case types.OpCreate:
		_, err := c.CreateNode(ctx, op.ParentID, op.Name, op.Note, op.Position)
		return err
	case types.OpUpdate:
		u := types.NodeUpdate{NodeID: op.NodeID}
		if op.Name != "" {
			u.Name = &op.Name
		}
		if op.Note != "" {
			u.Note = &op.Note
		}
		return c.UpdateNode(ctx, u)
	case types.OpDelete:
		return c.do(ctx, http.MethodDelete, nodePath(op.NodeID), nil, nil)
	case types.OpMove:
		return c.do(ctx, http.MethodPost, nodePath(op.NodeID)+"/move", moveRequest{
			ParentID: op.ParentID,
			Position: op.Position,
		}, nil)
	case types.OpComplete:
		return c.do(ctx, http.MethodPost, nodePath(op.NodeID)+"/complete", nil, nil)
	case types.OpUncomplete:
		return c.do(ctx, http.MethodPost, nodePath(op.NodeID)+"/uncomplete", nil, nil)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOperation, op.Kind)
	}
}

func nodePath(id string) string {
	return "/nodes/" + url.PathEscape(id)
}

// do sends one request; out may be nil when the body is ignored
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("API request", "method", method, "path", path, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}
