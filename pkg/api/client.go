// Package api is the REST client for the minimart backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/minimart/pkg/models"
	"go.uber.org/zap"
)

// ErrBusinessRule is returned when the backend rejects a purchase because of
// insufficient balance or stock. The backend signals it with a 500 status.
var ErrBusinessRule = errors.New("purchase rejected by business rule")

// StatusError is a non-2xx response from the backend.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.Path, e.Code)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger,
	}
}

// BaseURL returns the backend address this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health checks the backend's /health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil)
}

func (c *Client) ListProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	if err := c.do(ctx, http.MethodGet, "/products", nil, nil, &products); err != nil {
		return nil, err
	}
	return products, nil
}

func (c *Client) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	var product models.Product
	if err := c.do(ctx, http.MethodGet, "/products/"+url.PathEscape(id), nil, nil, &product); err != nil {
		return nil, err
	}
	return &product, nil
}

// UpdateProductQuantity sets the absolute stock value of a product. actorID
// identifies who made the change.
func (c *Client) UpdateProductQuantity(ctx context.Context, id string, quantity int, actorID string) error {
	path := "/products/" + url.PathEscape(id) + "/quantity?quantity=" + strconv.Itoa(quantity)
	header := http.Header{}
	header.Set("userId", actorID)
	return c.do(ctx, http.MethodPatch, path, header, nil, nil)
}

// CreateTransaction posts a purchase. A 500 response is reported as
// ErrBusinessRule wrapped together with the StatusError.
func (c *Client) CreateTransaction(ctx context.Context, req models.PurchaseRequest) error {
	err := c.do(ctx, http.MethodPost, "/transactions", nil, req, nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusInternalServerError {
		return fmt.Errorf("%w: %w", ErrBusinessRule, se)
	}
	return err
}

func (c *Client) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := c.do(ctx, http.MethodGet, "/users", nil, nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

func (c *Client) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(id), nil, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// UpdateUser replaces the whole user record.
func (c *Client) UpdateUser(ctx context.Context, user *models.User) error {
	return c.do(ctx, http.MethodPut, "/users/"+url.PathEscape(user.UserID), nil, user, nil)
}

func (c *Client) ListPreorders(ctx context.Context) ([]models.Preorder, error) {
	var preorders []models.Preorder
	if err := c.do(ctx, http.MethodGet, "/preorders", nil, nil, &preorders); err != nil {
		return nil, err
	}
	return preorders, nil
}

func (c *Client) GetPreorder(ctx context.Context, id string) (*models.Preorder, error) {
	var preorder models.Preorder
	if err := c.do(ctx, http.MethodGet, "/preorders/"+url.PathEscape(id), nil, nil, &preorder); err != nil {
		return nil, err
	}
	return &preorder, nil
}

func (c *Client) UpdatePreorderStatus(ctx context.Context, id string, status models.PreorderStatus) error {
	path := "/preorders/" + url.PathEscape(id) + "/status?status=" + url.QueryEscape(string(status))
	return c.do(ctx, http.MethodPatch, path, nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, header http.Header, body, out interface{}) error {
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
		return fmt.Errorf("failed to build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("Backend request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.Debug("Backend request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: string(data)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}
