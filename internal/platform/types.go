package platform

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Kind identifies a messaging platform.
type Kind string

const (
	Telegram Kind = "telegram"
	Bale     Kind = "bale"
)

// ParseKind normalizes a platform name from config or storage.
func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case Telegram:
		return Telegram, nil
	case Bale:
		return Bale, nil
	default:
		return "", fmt.Errorf("unknown platform %q", s)
	}
}

// Destination addresses a send call: the verified platform-native chat id,
// or the raw handle (e.g. "@name") before verification.
type Destination string

// File is one attachment handed to an adapter. Path is a local file;
// Caption is only honored on the first file of a batch.
type File struct {
	Path    string
	Caption string
}

// Outcome is the classified result of one delivery attempt to one destination.
//
// Retryable distinguishes transient failures (network, timeout, rate limit)
// from terminal ones for operator diagnosis; the dispatcher records both the
// same way and moves on to the next channel.
type Outcome struct {
	OK        bool
	Retryable bool
	Detail    string
}

// VerifyResult is the outcome of a verification probe.
//
// NativeID is the platform-native chat id extracted from the probe response.
// Platforms that do not echo an id fall back to the probed handle.
type VerifyResult struct {
	OK       bool
	NativeID string
	Reason   string
}

// Adapter normalizes one platform's bot API.
//
// All methods block until the platform responds or the call times out, and
// never return an unclassified transport error: failures come back inside
// the Outcome.
type Adapter interface {
	Kind() Kind

	SendText(ctx context.Context, to Destination, text string) Outcome
	SendFile(ctx context.Context, to Destination, f File, fallbackCaption string) Outcome
	SendAlbum(ctx context.Context, to Destination, files []File, leadCaption string) Outcome

	Verify(ctx context.Context, handle string, probeText string) VerifyResult
}

// Timeouts carries the tiered per-call deadlines of one adapter.
type Timeouts struct {
	Text  time.Duration
	File  time.Duration
	Album time.Duration
}

// WithDefaults fills unset tiers with the stock deadlines.
func (t Timeouts) WithDefaults() Timeouts {
	if t.Text <= 0 {
		t.Text = 30 * time.Second
	}
	if t.File <= 0 {
		t.File = 2 * time.Minute
	}
	if t.Album <= 0 {
		t.Album = 3 * time.Minute
	}
	return t
}
