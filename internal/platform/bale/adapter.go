// Package bale adapts the Bale bot API to the platform contract.
//
// Bale mirrors Telegram's bot API shape but with a smaller surface: no
// sendVoice (voice notes go out as documents) and verification responses
// that do not always echo a chat id.
package bale

import (
	"context"
	"strings"

	"postline/internal/platform"
	"postline/internal/platform/botapi"
	logx "postline/pkg/logx"
)

const DefaultAPIBase = "https://tapi.bale.ai"

type Config struct {
	Token      string
	APIBase    string
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

func (a *Adapter) Kind() platform.Kind { return platform.Bale }

func (a *Adapter) SendText(ctx context.Context, to platform.Destination, text string) platform.Outcome {
	err := a.client.SendMessage(ctx, string(to), text)
	return platform.OutcomeFromError(err, "sent text")
}

func (a *Adapter) SendFile(ctx context.Context, to platform.Destination, f platform.File, fallbackCaption string) platform.Outcome {
	caption := f.Caption
	if caption == "" {
		caption = fallbackCaption
	}
	// voiceOK=false: Bale has no sendVoice, audio falls back to sendDocument.
	err := a.client.SendFile(ctx, string(to), f, caption, false)
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

// Verify probes the handle. Bale does not always echo a chat id for
// channels, so the handle itself stays the destination in that case.
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
