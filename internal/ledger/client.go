// Package ledger calls the downstream ledger service that finalizes
// authorized transactions.
package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	v1 "postingrelay/pkg/api/v1"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

var ErrCommit = errors.New("ledger commit failed")

const (
	transactionIDPlaceholder = "{transactionId}"
	maxErrorBody             = 512
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ledger responded %d: %s", e.StatusCode, e.Body)
}

// Committer is what the inbound processor needs from the ledger.
type Committer interface {
	Commit(ctx context.Context, transactionID, holdID int64) error
}

type Client struct {
	baseURL    string
	commitPath string
	http       *http.Client
}

// NewClient builds a client. commitPath may contain {transactionId}.
func NewClient(baseURL, commitPath string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		commitPath: commitPath,
		http:       &http.Client{Timeout: timeout},
	}
}

func (c *Client) commitURL(transactionID int64) string {
	path := strings.ReplaceAll(c.commitPath, transactionIDPlaceholder, strconv.FormatInt(transactionID, 10))
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// Commit is not idempotent on the ledger side; callers must dedup first.
func (c *Client) Commit(ctx context.Context, transactionID, holdID int64) error {
	body, err := json.Marshal(v1.CommitTransactionRequest{TransactionID: transactionID, HoldID: holdID})
	if err != nil {
		return fmt.Errorf("%w: encode request: %w", ErrCommit, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.commitURL(transactionID), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %w", ErrCommit, err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: transaction %d: %w", ErrCommit, transactionID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: transaction %d: %w", ErrCommit, transactionID,
			&StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))})
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
