package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrQueryFailed wraps non-200 responses from the data source
var ErrQueryFailed = errors.New("data source query failed")

// httpsqlResponse represents the JSON response from warehouses exposing a
// ClickHouse-compatible HTTP interface.
type httpsqlResponse struct {
	Data []json.RawMessage `json:"data"`
	Meta []struct {
		Name string `json:"name"`
		Type string `json:"type"`
	} `json:"meta"`
	Rows int `json:"rows"`
}

// httpSQLDriver talks JSON over HTTP to a warehouse endpoint
type httpSQLDriver struct {
	log          logrus.FieldLogger
	httpClient   *http.Client
	baseURL      string
	queryTimeout time.Duration
}

// NewHTTPSQL creates a driver for warehouses with a ClickHouse-style HTTP
// query interface.
func NewHTTPSQL(log logrus.FieldLogger, cfg *Config) Driver {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     30 * time.Second,
	}

	return &httpSQLDriver{
		log:          log.WithField("component", "driver.httpsql"),
		httpClient:   &http.Client{Transport: transport},
		baseURL:      strings.TrimRight(cfg.URL, "/"),
		queryTimeout: cfg.QueryTimeout,
	}
}

func (d *httpSQLDriver) Query(ctx context.Context, sql string) ([]Row, error) {
	body, err := d.do(ctx, sql+" FORMAT JSON")
	if err != nil {
		return nil, err
	}

	var result httpsqlResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	rows := make([]Row, 0, len(result.Data))
	for i, data := range result.Data {
		var row Row
		if err := json.Unmarshal(data, &row); err != nil {
			return nil, fmt.Errorf("failed to unmarshal row %d: %w", i, err)
		}
		rows = append(rows, row)
	}

	return rows, nil
}

func (d *httpSQLDriver) Execute(ctx context.Context, sql string) error {
	_, err := d.do(ctx, sql)
	return err
}

func (d *httpSQLDriver) Ping(ctx context.Context) error {
	_, err := d.do(ctx, "SELECT 1")
	return err
}

func (d *httpSQLDriver) Close() error {
	d.httpClient.CloseIdleConnections()
	return nil
}

func (d *httpSQLDriver) do(ctx context.Context, sql string) ([]byte, error) {
	timeout := d.queryTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, d.baseURL, strings.NewReader(sql))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			d.log.WithError(closeErr).Debug("Failed to close response body")
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var errorResp struct {
			Exception string `json:"exception"`
		}
		if jsonErr := json.Unmarshal(body, &errorResp); jsonErr == nil && errorResp.Exception != "" {
			return nil, fmt.Errorf("%w (status %d): %s", ErrQueryFailed, resp.StatusCode, errorResp.Exception)
		}

		return nil, fmt.Errorf("%w (status %d): %s", ErrQueryFailed, resp.StatusCode, string(body))
	}

	return body, nil
}

// New constructs a driver from parsed configuration
func New(log logrus.FieldLogger, cfg *Config) (Driver, error) {
	switch cfg.Type {
	case "httpsql", "clickhouse":
		return NewHTTPSQL(log, cfg), nil
	case "postgres":
		return NewPostgres(log, cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriverType, cfg.Type)
	}
}

var _ Driver = (*httpSQLDriver)(nil)
