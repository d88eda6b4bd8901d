// Package api is the REST client for the platform endpoints the chat
// client depends on.
package api

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
	"strconv"
	"strings"

	"teamchat/internal/config"
	"teamchat/internal/models"
)

var ErrUnauthorized = errors.New("api: unauthorized")

// Error is a non-2xx response.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
}

func (e *Error) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// TokenStore holds the current token pair.
type TokenStore interface {
	Tokens() models.TokenPair
	SetTokens(models.TokenPair)
}

type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenStore
	logger  *slog.Logger
}

func NewClient(cfg config.APIConfig, tokens TokenStore, logger *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		tokens:  tokens,
		logger:  logger,
	}
}

func (c *Client) Login(ctx context.Context, email, password string) (*models.LoginResponse, error) {
	var resp models.LoginResponse
	req := models.LoginRequest{Email: email, Password: password}
	if err := c.do(ctx, http.MethodPost, "/auth/login", req, &resp, false); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	c.tokens.SetTokens(resp.Tokens)
	return &resp, nil
}

func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/auth/logout", nil, nil, true); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// Refresh exchanges the stored refresh token for a new pair and stores it.
func (c *Client) Refresh(ctx context.Context) (models.TokenPair, error) {
	refresh := c.tokens.Tokens().RefreshToken
	if refresh == "" {
		return models.TokenPair{}, fmt.Errorf("refresh: no refresh token: %w", ErrUnauthorized)
	}

	var pair models.TokenPair
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", models.RefreshRequest{RefreshToken: refresh}, &pair, false); err != nil {
		return models.TokenPair{}, fmt.Errorf("refresh: %w", err)
	}
	c.tokens.SetTokens(pair)
	return pair, nil
}

func (c *Client) Profile(ctx context.Context) (*models.User, error) {
	var resp models.ProfileResponse
	if err := c.do(ctx, http.MethodGet, "/auth/profile", nil, &resp, true); err != nil {
		return nil, fmt.Errorf("profile: %w", err)
	}
	return &resp.User, nil
}

// EditMessage changes a message's content. The change reaches chat views
// as a chat:message:update event.
func (c *Client) EditMessage(ctx context.Context, messageID, content string) (*models.Message, error) {
	var resp models.EditMessageResponse
	path := "/chat/messages/" + url.PathEscape(messageID)
	if err := c.do(ctx, http.MethodPut, path, models.EditMessageRequest{Content: content}, &resp, true); err != nil {
		return nil, fmt.Errorf("edit message: %w", err)
	}
	return &resp.Message, nil
}

// Messages fetches up to limit of a team's most recent messages, oldest
// first. A limit of zero leaves the page size to the server.
func (c *Client) Messages(ctx context.Context, teamID string, limit int) ([]models.Message, error) {
	path := "/chat/" + url.PathEscape(teamID) + "/messages"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}

	var resp models.MessagesResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp, true); err != nil {
		return nil, fmt.Errorf("messages: %w", err)
	}
	return resp.Messages, nil
}

// do performs one request. Authenticated requests that come back 401 are
// retried once after refreshing the token pair.
func (c *Client) do(ctx context.Context, method, path string, body, out any, authed bool) error {
	err := c.send(ctx, method, path, body, out, authed)
	if !authed || !errors.Is(err, ErrUnauthorized) {
		return err
	}

	c.logger.Debug("Access token rejected, refreshing", "path", path)
	if _, rerr := c.Refresh(ctx); rerr != nil {
		return rerr
	}
	return c.send(ctx, method, path, body, out, authed)
}

func (c *Client) send(ctx context.Context, method, path string, body, out any, authed bool) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		if token := c.tokens.Tokens().AccessToken; token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &Error{StatusCode: resp.StatusCode}
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err == nil {
		apiErr.Message = body.Error
		if apiErr.Message == "" {
			apiErr.Message = body.Message
		}
	}
	return apiErr
}
