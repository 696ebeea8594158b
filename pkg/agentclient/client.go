// Package agentclient is the typed client for the agent surface of the
// AppCenter server.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/senhakan/appcenter-server/pkg/config"
	"github.com/senhakan/appcenter-server/pkg/protocol"
)

const apiPrefix = "/api/v1/agent"

type Client struct {
	baseURL string
	http    *http.Client
	retry   *retrier
	log     zerolog.Logger

	mu     sync.RWMutex
	uuid   string
	secret string
}

func New(cfg config.AgentServerConfig, log zerolog.Logger) *Client {
	log = log.With().Str("component", "agentclient").Logger()
	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http:    &http.Client{Timeout: time.Duration(cfg.RequestTimeout) * time.Second},
		retry:   newRetrier(cfg.RetryInitialMs, cfg.RetryMaxMs, cfg.RetryMaxRetries, log),
		log:     log,
	}
}

// SetCredentials sets the uuid and secret sent on authenticated calls.
func (c *Client) SetCredentials(uuid, secret string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.uuid, c.secret = uuid, secret
}

func (c *Client) Register(ctx context.Context, req protocol.RegisterRequest) (*protocol.RegisterResponse, error) {
	var out protocol.RegisterResponse
	if err := c.call(ctx, http.MethodPost, "/register", false, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Heartbeat(ctx context.Context, req protocol.HeartbeatRequest) (*protocol.HeartbeatResponse, error) {
	var out protocol.HeartbeatResponse
	if err := c.call(ctx, http.MethodPost, "/heartbeat", true, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ReportTask(ctx context.Context, taskID uint, req protocol.TaskStatusRequest) (*protocol.MessageResponse, error) {
	var out protocol.MessageResponse
	if err := c.call(ctx, http.MethodPost, fmt.Sprintf("/task/%d/status", taskID), true, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SubmitInventory(ctx context.Context, req protocol.InventoryRequest) (*protocol.InventoryResponse, error) {
	var out protocol.InventoryResponse
	if err := c.call(ctx, http.MethodPost, "/inventory", true, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Store(ctx context.Context) (*protocol.StoreResponse, error) {
	var out protocol.StoreResponse
	if err := c.call(ctx, http.MethodGet, "/store", true, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) call(ctx context.Context, method, path string, authed bool, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
	}
	return c.retry.do(ctx, path, func() error {
		return c.once(ctx, method, path, authed, body, out)
	})
}

func (c *Client) once(ctx context.Context, method, path string, authed bool, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+apiPrefix+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		c.mu.RLock()
		req.Header.Set(protocol.HeaderAgentUUID, c.uuid)
		req.Header.Set(protocol.HeaderAgentSecret, c.secret)
		c.mu.RUnlock()
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var problem struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(data, &problem) != nil || problem.Detail == "" {
			problem.Detail = strings.TrimSpace(string(data))
		}
		return &StatusError{Status: resp.StatusCode, Detail: problem.Detail}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
