// Package slug はユーザーURL（スラッグ）の確保を提供する。
// スラッグサービスの予約（CreateSlug）と確定（TakeSlug）の2段階プロトコルと、
// デプロイごとに差し替えられる独自生成フックを扱う。
package slug

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/googlelogin/internal/model"
)

// GroupUser はユーザー用スラッグのグループ名。
const GroupUser = "user"

// maxErrorBodySize はエラーレスポンスから読み取る最大バイト数。
const maxErrorBodySize = 1024

// Client はスラッグサービスのHTTPクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
}

// NewClient はClientの新しいインスタンスを生成する。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL string) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

type createSlugRequest struct {
	Group string `json:"group"`
	To    string `json:"to"`
}

type createSlugResponse struct {
	Slug string `json:"slug"`
}

type takeSlugRequest struct {
	Group    string `json:"group"`
	Path     string `json:"path"`
	To       string `json:"to"`
	Redirect string `json:"redirect"`
}

// CreateSlug はtoに対するスラッグを予約し、予約されたスラッグを返す。
func (c *Client) CreateSlug(ctx context.Context, group, to string) (string, error) {
	var resp createSlugResponse
	if err := c.call(ctx, "CreateSlug", createSlugRequest{Group: group, To: to}, &resp); err != nil {
		return "", err
	}
	if resp.Slug == "" {
		return "", fmt.Errorf("%w: CreateSlug returned empty slug", model.ErrSlugAllocation)
	}
	return resp.Slug, nil
}

// TakeSlug はpathをtoに確定し、redirectのスラッグからリダイレクトさせる。
func (c *Client) TakeSlug(ctx context.Context, group, path, to, redirect string) error {
	return c.call(ctx, "TakeSlug", takeSlugRequest{Group: group, Path: path, To: to, Redirect: redirect}, nil)
}

// call はスラッグサービスのアクションをJSONでPOSTする。
// 失敗は全てmodel.ErrSlugAllocationでラップして返す。
func (c *Client) call(ctx context.Context, action string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: failed to encode %s request: %v", model.ErrSlugAllocation, action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+action, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: failed to create %s request: %v", model.ErrSlugAllocation, action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("slug service request failed",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: %s request failed: %v", model.ErrSlugAllocation, action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		c.logger.Error("slug service returned error status",
			slog.String("action", action),
			slog.Int("http_status", resp.StatusCode),
		)
		return fmt.Errorf("%w: %s returned status %d: %s", model.ErrSlugAllocation, action, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode %s response: %v", model.ErrSlugAllocation, action, err)
	}
	return nil
}
