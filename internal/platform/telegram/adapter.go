// Package telegram adapts the Telegram Bot API to the platform contract.
package telegram

import (
	"context"
	"strings"

	"postline/internal/platform"
	"postline/internal/platform/botapi"
	logx "postline/pkg/logx"
)

const DefaultAPIBase = "https://api.telegram.org"

type Config struct {
	Token      string
	APIBase    string // override for tests/proxies
	Timeouts   platform.Timeouts
	RatePerSec int
	AlbumMax   int
}

type Adapter struct {
	client *botapi.Client
	log    logx.Logger
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	base := cfg.APIBase
	if strings.TrimSpace(base) == "" {
		base = DefaultAPIBase
	}
	client, err := botapi.New(botapi.Config{
		BaseURL:    base,
		Token:      cfg.Token,
		Timeouts:   cfg.Timeouts,
		RatePerSec: cfg.RatePerSec,
		AlbumMax:   cfg.AlbumMax,
	}, log)
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{client: client, log: log}, nil
}

func (a *Adapter) Kind() platform.Kind { return platform.Telegram }

func (a *Adapter) SendText(ctx context.Context, to platform.Destination, text string) platform.Outcome {
	err := a.client.SendMessage(ctx, string(to), text)
	return platform.OutcomeFromError(err, "sent text")
}

func (a *Adapter) SendFile(ctx context.Context, to platform.Destination, f platform.File, fallbackCaption string) platform.Outcome {
	caption := f.Caption
	if caption == "" {
		caption = fallbackCaption
	}
	err := a.client.SendFile(ctx, string(to), f, caption, true)
	return platform.OutcomeFromError(err, "sent "+platform.Classify(f.Path).String())
}

func (a *Adapter) SendAlbum(ctx context.Context, to platform.Destination, files []platform.File, leadCaption string) platform.Outcome {
	caption := leadCaption
	if len(files) > 0 && files[0].Caption != "" {
		caption = files[0].Caption
	}
	err := a.client.SendAlbum(ctx, string(to), files, caption)
	return platform.OutcomeFromError(err, "sent album")
}

// Verify sends a probe message to the handle and extracts the chat id the
// API echoes back. Telegram reliably returns a numeric id for channels the
// bot can post to; the handle is only a last-resort fallback.
// The probe deadline comes from the caller's context.
func (a *Adapter) Verify(ctx context.Context, handle string, probeText string) platform.VerifyResult {
	chat, err := a.client.Probe(ctx, handle, probeText, 0)
	if err != nil {
		return platform.VerifyResult{OK: false, Reason: err.Error()}
	}
	id := chat.ID.String()
	if id == "" || id == "0" {
		id = handle
	}
	return platform.VerifyResult{OK: true, NativeID: id}
}
