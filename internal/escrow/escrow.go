// Package escrow reads escrow state and manifests and records task results.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/austindbirch/harbor_oracle/internal/events"
)

// Status mirrors the escrow contract status enum
type Status uint8

const (
	StatusLaunched Status = iota
	StatusPending
	StatusPartial
	StatusPaid
	StatusComplete
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusLaunched:
		return "Launched"
	case StatusPending:
		return "Pending"
	case StatusPartial:
		return "Partial"
	case StatusPaid:
		return "Paid"
	case StatusComplete:
		return "Complete"
	case StatusCancelled:
		return "Cancelled"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

var (
	ErrNoFunds        = errors.New("escrow has no funds")
	ErrNotPending     = errors.New("escrow is not pending")
	ErrUnknownChain   = errors.New("no rpc endpoint for chain")
	ErrManifestFormat = errors.New("manifest is invalid")
)

// Client is what the oracles need from an escrow
type Client interface {
	// Validate fails unless the escrow is funded and pending
	Validate(ctx context.Context, key events.TaskKey) error
	Manifest(ctx context.Context, key events.TaskKey) (*Manifest, error)
	StoreResults(ctx context.Context, key events.TaskKey, url, hash string) error
}

// ManifestFetcher downloads manifests over HTTP
type ManifestFetcher struct {
	http *resty.Client
}

func NewManifestFetcher(timeout time.Duration) *ManifestFetcher {
	return &ManifestFetcher{
		http: resty.New().
			SetTimeout(timeout).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond).
			SetHeader("Accept", "application/json"),
	}
}

func (f *ManifestFetcher) Fetch(ctx context.Context, url string) (*Manifest, error) {
	resp, err := f.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest %s: %w", url, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("fetch manifest %s: status %d", url, resp.StatusCode())
	}
	m, err := ParseManifest(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestFormat, err)
	}
	return m, nil
}
