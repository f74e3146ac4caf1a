// Package picture はプロフィール画像のインポートを提供する。
// 画像サービスのcreatePictureFromUrlを呼び出し、作成された画像のIDを返す。
package picture

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const (
	// pictureName はGoogleから取り込んだ画像に付ける名前。
	pictureName = "google-profile-picture"
	// picturePurpose は画像の用途。
	picturePurpose = "users-updatePicture-picture"
	// maxErrorBodySize はエラーレスポンスから読み取る最大バイト数。
	maxErrorBodySize = 1024
)

// Importer はURLからプロフィール画像を取り込むインターフェース。
type Importer interface {
	// ImportFromURL はownerの画像としてrawURLを取り込み、画像IDを返す。
	ImportFromURL(ctx context.Context, owner, rawURL string) (string, error)
}

// URLValidator は取り込み前にURLを検証するインターフェース。
type URLValidator interface {
	ValidateURL(rawURL string) error
}

// Client は画像サービスのHTTPクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
	validator  URLValidator
}

// NewClient はClientの新しいインスタンスを生成する。
// validatorがnilの場合はURLを検証しない。
func NewClient(httpClient *http.Client, logger *slog.Logger, baseURL string, validator URLValidator) *Client {
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
		validator:  validator,
	}
}

type createPictureRequest struct {
	Owner   string `json:"owner"`
	Name    string `json:"name"`
	Purpose string `json:"purpose"`
	URL     string `json:"url"`
	Cropped bool   `json:"cropped"`
}

type createPictureResponse struct {
	Picture string `json:"picture"`
}

// ImportFromURL はcreatePictureFromUrlを呼び出し、作成された画像IDを返す。
func (c *Client) ImportFromURL(ctx context.Context, owner, rawURL string) (string, error) {
	if c.validator != nil {
		if err := c.validator.ValidateURL(rawURL); err != nil {
			return "", fmt.Errorf("picture URL rejected: %w", err)
		}
	}

	payload, err := json.Marshal(createPictureRequest{
		Owner:   owner,
		Name:    pictureName,
		Purpose: picturePurpose,
		URL:     rawURL,
		Cropped: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode picture request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/createPictureFromUrl", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create picture request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("picture request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return "", fmt.Errorf("picture service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out createPictureResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode picture response: %w", err)
	}
	if out.Picture == "" {
		return "", fmt.Errorf("picture service returned empty picture id")
	}

	c.logger.Debug("profile picture imported",
		slog.String("owner", owner),
		slog.String("picture", out.Picture),
	)
	return out.Picture, nil
}

// compile-time interface check
var _ Importer = (*Client)(nil)
