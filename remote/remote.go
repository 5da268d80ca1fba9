// Package remote talks to the REST backend that owns the comments.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/civicsite/commentview/comment"
	"github.com/go-resty/resty/v2"
)

const commentsPath = "/{type}/{itemID}/comments"

// Options configure a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration
	// Retries applies to reads only; posting a comment is never retried.
	Retries int
	Logger  *slog.Logger
}

// Client is a comment.Source backed by the REST API.
type Client struct {
	reads  *resty.Client
	writes *resty.Client
	logger *slog.Logger
}

// New returns a Client for the API at opts.BaseURL.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	newClient := func() *resty.Client {
		return resty.New().
			SetBaseURL(opts.BaseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json")
	}
	return &Client{
		reads: newClient().
			SetRetryCount(opts.Retries).
			SetRetryWaitTime(200 * time.Millisecond),
		writes: newClient(),
		logger: logger,
	}
}

type tokenKey struct{}

// WithToken returns a context carrying the bearer token forwarded to the API.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

func (c *Client) request(ctx context.Context, cli *resty.Client, k comment.Key) *resty.Request {
	req := cli.R().
		SetContext(ctx).
		SetPathParams(map[string]string{
			"type":   string(k.Type),
			"itemID": strconv.FormatInt(k.ItemID, 10),
		})
	if token, _ := ctx.Value(tokenKey{}).(string); token != "" {
		req.SetAuthToken(token)
	}
	return req
}

// List returns the comments of k as sent by the API.
func (c *Client) List(ctx context.Context, k comment.Key) ([]comment.Comment, error) {
	resp, err := c.request(ctx, c.reads, k).Get(commentsPath)
	if err != nil {
		return nil, fmt.Errorf("get comments: %w", err)
	}
	if resp.IsError() {
		return nil, decodeError(resp.StatusCode(), resp.Body())
	}

	comments, err := decodeList(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("decode comments: %w", err)
	}
	c.logger.Debug("Fetched comments", "key", k.String(), "count", len(comments), "duration", resp.Time())
	return comments, nil
}

// Create posts a new top-level comment.
func (c *Client) Create(ctx context.Context, k comment.Key, nc comment.NewComment) (comment.Comment, error) {
	resp, err := c.request(ctx, c.writes, k).
		SetHeader("Content-Type", "application/json").
		SetBody(nc).
		Post(commentsPath)
	if err != nil {
		return comment.Comment{}, fmt.Errorf("post comment: %w", err)
	}
	if resp.IsError() {
		return comment.Comment{}, decodeError(resp.StatusCode(), resp.Body())
	}

	created, err := decodeOne(resp.Body())
	if err != nil {
		// The comment was accepted; an odd response body is not worth failing for.
		c.logger.Warn("Could not decode created comment", "key", k.String(), "error", err.Error())
	}
	return created, nil
}

// decodeList accepts a bare array, {"data": [...]} and
// {"data": {"comments": [...]}}.
func decodeList(body []byte) ([]comment.Comment, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return []comment.Comment{}, nil
	}
	if body[0] == '[' {
		var out []comment.Comment
		err := json.Unmarshal(body, &out)
		return out, err
	}

	var env struct {
		Data     json.RawMessage   `json:"data"`
		Comments []comment.Comment `json:"comments"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	data := bytes.TrimSpace(env.Data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		if env.Comments == nil {
			return []comment.Comment{}, nil
		}
		return env.Comments, nil
	case data[0] == '[':
		var out []comment.Comment
		err := json.Unmarshal(data, &out)
		return out, err
	}

	var nested struct {
		Comments []comment.Comment `json:"comments"`
	}
	if err := json.Unmarshal(data, &nested); err != nil {
		return nil, err
	}
	if nested.Comments == nil {
		return []comment.Comment{}, nil
	}
	return nested.Comments, nil
}

func decodeOne(body []byte) (comment.Comment, error) {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return comment.Comment{}, err
	}
	if len(env.Data) > 0 && env.Data[0] == '{' {
		body = env.Data
	}
	var c comment.Comment
	err := json.Unmarshal(body, &c)
	return c, err
}

// decodeError turns an error response into a comment.RemoteError. Field
// errors may be a list of messages or a single message.
func decodeError(status int, body []byte) error {
	out := &comment.RemoteError{
		Status:  status,
		Message: http.StatusText(status),
	}

	var env struct {
		Message string                     `json:"message"`
		Error   string                     `json:"error"`
		Errors  map[string]json.RawMessage `json:"errors"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		if text := bytes.TrimSpace(body); len(text) > 0 {
			out.Err = errors.New(string(text))
		}
		return out
	}
	switch {
	case env.Message != "":
		out.Message = env.Message
	case env.Error != "":
		out.Message = env.Error
	}

	if len(env.Errors) > 0 {
		out.Fields = make(map[string][]string, len(env.Errors))
		for field, raw := range env.Errors {
			var msgs []string
			if err := json.Unmarshal(raw, &msgs); err != nil {
				var msg string
				if err := json.Unmarshal(raw, &msg); err != nil {
					continue
				}
				msgs = []string{msg}
			}
			out.Fields[field] = msgs
		}
	}
	return out
}
