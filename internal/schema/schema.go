// Package schema is the read-only schema browser client: list the
// queryable tables and drill into one table's columns and usage hints.
package schema

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/deepagent/sqlchat/internal/auth"
	apperrors "github.com/deepagent/sqlchat/pkg/errors"
)

// TableSummary 表清单条目。
type TableSummary struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	HasSemantic bool   `json:"has_semantic"`
}

// ForeignKey 外键引用。
type ForeignKey struct {
	Column        string `json:"column"`
	ForeignTable  string `json:"foreign_table"`
	ForeignColumn string `json:"foreign_column"`
}

// ColumnInfo 单列元数据。
type ColumnInfo struct {
	Name          string      `json:"name"`
	Type          string      `json:"type"`
	Nullable      string      `json:"nullable"`
	Default       any         `json:"default"`
	DisplayName   string      `json:"display_name"`
	Description   string      `json:"description"`
	IsSensitive   bool        `json:"is_sensitive"`
	ExampleValues []string    `json:"example_values"`
	ForeignKey    *ForeignKey `json:"foreign_key,omitempty"`
}

// TableDetail 单表完整元数据。
type TableDetail struct {
	Table         string       `json:"table"`
	DisplayName   string       `json:"display_name"`
	Description   string       `json:"description"`
	Columns       []ColumnInfo `json:"columns"`
	CommonQueries []string     `json:"common_queries"`
	Joins         []string     `json:"joins"`
}

// Client fetches schema metadata from the backend.
type Client struct {
	baseURL string
	httpCli *http.Client
	store   *auth.TokenStore
}

// NewClient 创建 schema 客户端。
func NewClient(baseURL string, timeout time.Duration, store *auth.TokenStore) *Client {
	return &Client{
		baseURL: baseURL,
		httpCli: &http.Client{Timeout: timeout},
		store:   store,
	}
}

// ListTables 获取全部表清单。
func (c *Client) ListTables(ctx context.Context) ([]TableSummary, error) {
	const op = "Schema.ListTables"
	var out []TableSummary
	if err := c.getJSON(ctx, op, c.baseURL+"/api/schema", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TableDetail 获取单表详情。
func (c *Client) TableDetail(ctx context.Context, table string) (*TableDetail, error) {
	const op = "Schema.TableDetail"
	var out TableDetail
	if err := c.getJSON(ctx, op, c.baseURL+"/api/schema/"+url.PathEscape(table), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, op, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return apperrors.Wrap(err, op, "build request")
	}
	if hdr, ok := c.store.AuthHeader(); ok {
		req.Header.Set("Authorization", hdr)
	}

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return apperrors.Wrap(err, op, "request failed")
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.Wrap(apperrors.ErrNotFound, op, "unknown table")
	case resp.StatusCode == http.StatusUnauthorized:
		return apperrors.Wrap(apperrors.ErrUnauthorized, op, "authentication required")
	case resp.StatusCode != http.StatusOK:
		return apperrors.Wrapf(apperrors.ErrInternal, op, "unexpected status %d", resp.StatusCode)
	}

	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.Wrap(err, op, "decode response")
	}
	return nil
}
