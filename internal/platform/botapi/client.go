// Package botapi implements the Telegram-style bot HTTP API spoken by both
// supported platforms (Bale mirrors Telegram's wire contract).
//
// The client owns response classification: every failure surfaces as a
// platform.Terminal or platform.Retryable error, never a bare transport error.
package botapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"postline/internal/platform"
	logx "postline/pkg/logx"
)

type Config struct {
	// BaseURL is the API host, e.g. "https://api.telegram.org".
	BaseURL string
	Token   string

	Timeouts   platform.Timeouts
	RatePerSec int // default 10
	AlbumMax   int // default 10
}

type Client struct {
	base     string // BaseURL + "/bot" + token
	http     *http.Client
	limiter  *rate.Limiter
	timeouts platform.Timeouts
	albumMax int
	log      logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("bot token is empty")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("api base url is empty")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("api base url: %w", err)
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 10
	}
	albumMax := cfg.AlbumMax
	if albumMax <= 0 {
		albumMax = 10
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		base: base + "/bot" + cfg.Token,
		// Per-call deadlines come from contexts; the transport-level timeout
		// only guards header reads so large uploads aren't cut short.
		http:     &http.Client{Transport: http.DefaultTransport},
		limiter:  rate.NewLimiter(rate.Limit(rps), rps),
		timeouts: cfg.Timeouts,
		albumMax: albumMax,
		log:      log,
	}, nil
}

func (c *Client) AlbumMax() int { return c.albumMax }

// Timeouts returns the effective tiered deadlines.
func (c *Client) Timeouts() platform.Timeouts {
	return c.timeouts.WithDefaults()
}

// ---- wire types ----

// apiResponse is the common envelope of every bot API reply.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Parameters  *respParameters `json:"parameters"`
}

type respParameters struct {
	RetryAfter int `json:"retry_after"`
}

// Chat is the portion of a message result needed for verification.
type Chat struct {
	ID       json.Number `json:"id"`
	Username string      `json:"username"`
}

type messageResult struct {
	Chat Chat `json:"chat"`
}

// mediaItem is one entry of the sendMediaGroup `media` JSON array.
type mediaItem struct {
	Type    string `json:"type"`
	Media   string `json:"media"`
	Caption string `json:"caption,omitempty"`
}

// ---- calls ----

// SendMessage posts a plain text message.
func (c *Client) SendMessage(ctx context.Context, chatID, text string) error {
	_, err := c.sendMessage(ctx, chatID, text, c.Timeouts().Text)
	return err
}

// Probe sends text to chatID and returns the echoed chat payload. It is the
// verification primitive: a successful send proves the bot may post there,
// and the echoed chat id is the authoritative destination for future sends.
func (c *Client) Probe(ctx context.Context, chatID, text string, timeout time.Duration) (Chat, error) {
	if timeout <= 0 {
		timeout = c.Timeouts().Text
	}
	return c.sendMessage(ctx, chatID, text, timeout)
}

func (c *Client) sendMessage(ctx context.Context, chatID, text string, timeout time.Duration) (Chat, error) {
	if strings.TrimSpace(text) == "" {
		// The API rejects empty text with a 400; keep the classification local.
		text = " "
	}
	payload := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"disable_web_page_preview": true,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Chat{}, platform.Terminal(err)
	}

	raw, err := c.do(ctx, "sendMessage", "application/json", bytes.NewReader(body), timeout)
	if err != nil {
		return Chat{}, err
	}
	var msg messageResult
	if err := json.Unmarshal(raw, &msg); err != nil {
		// Success without a well-formed message payload: the send worked,
		// but there is no chat id to extract.
		return Chat{}, nil
	}
	return msg.Chat, nil
}

// SendFile uploads one file via the method matching its media class
// (sendPhoto, sendVideo, sendVoice, sendDocument) with an optional caption.
// voiceOK downgrades voice notes to documents on platforms without sendVoice.
func (c *Client) SendFile(ctx context.Context, chatID string, f platform.File, caption string, voiceOK bool) error {
	class := platform.Classify(f.Path)
	if class == platform.MediaVoice && !voiceOK {
		class = platform.MediaDocument
	}
	var method, field string
	switch class {
	case platform.MediaPhoto:
		method, field = "sendPhoto", "photo"
	case platform.MediaVideo:
		method, field = "sendVideo", "video"
	case platform.MediaVoice:
		method, field = "sendVoice", "voice"
	default:
		method, field = "sendDocument", "document"
	}

	fields := map[string]string{"chat_id": chatID}
	if caption != "" {
		fields["caption"] = caption
	}

	body, contentType, err := multipartBody(fields, map[string]string{field: f.Path})
	if err != nil {
		return err
	}
	_, err = c.do(ctx, method, contentType, body, c.Timeouts().File)
	return err
}

// SendAlbum uploads files as one sendMediaGroup call. Only photos and videos
// are album-eligible; ineligible files are dropped up front and an album that
// filters down to nothing fails terminally without touching the network.
// The lead caption rides on the first entry only, in caller order.
func (c *Client) SendAlbum(ctx context.Context, chatID string, files []platform.File, leadCaption string) error {
	eligible := platform.FilterAlbum(files, c.albumMax)
	if len(eligible) == 0 {
		return platform.Terminalf("no eligible media for album")
	}

	media := make([]mediaItem, 0, len(eligible))
	uploads := make(map[string]string, len(eligible))
	for i, f := range eligible {
		field := fmt.Sprintf("file%d", i)
		item := mediaItem{
			Type:  platform.Classify(f.Path).String(),
			Media: "attach://" + field,
		}
		if i == 0 {
			item.Caption = leadCaption
		}
		media = append(media, item)
		uploads[field] = f.Path
	}

	mediaJSON, err := json.Marshal(media)
	if err != nil {
		return platform.Terminal(err)
	}
	fields := map[string]string{
		"chat_id": chatID,
		"media":   string(mediaJSON),
	}

	body, contentType, err := multipartBody(fields, uploads)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, "sendMediaGroup", contentType, body, c.Timeouts().Album)
	return err
}

// multipartBody builds a multipart form with the given string fields and file
// uploads. Files are read fully and closed here so no handle outlives the
// call that produced it, whatever happens to the request afterwards.
func multipartBody(fields map[string]string, uploads map[string]string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", platform.Terminal(err)
		}
	}
	for field, path := range uploads {
		if err := appendFilePart(w, field, path); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", platform.Terminal(err)
	}
	return &buf, w.FormDataContentType(), nil
}

func appendFilePart(w *multipart.Writer, field, path string) error {
	f, err := os.Open(path)
	if err != nil {
		// A missing attachment file will not appear by retrying.
		return platform.Terminalf("open %s: %v", filepath.Base(path), err)
	}
	defer f.Close()

	part, err := w.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return platform.Terminal(err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return platform.Retryablef("read %s: %v", filepath.Base(path), err)
	}
	return nil
}

// do performs one API call and classifies the result.
func (c *Client) do(ctx context.Context, method, contentType string, body io.Reader, timeout time.Duration) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, platform.Retryablef("rate limit wait: %v", err)
	}

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.base+"/"+method, body)
	if err != nil {
		return nil, platform.Terminal(err)
	}
	req.Header.Set("Content-Type", contentType)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		// Connection refused, DNS failure, context deadline: all transient.
		return nil, platform.Retryablef("%s: %v", method, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, platform.Retryablef("%s: read response: %v", method, err)
	}

	var api apiResponse
	decodeErr := json.Unmarshal(raw, &api)

	c.log.Debug("api call",
		logx.String("method", method),
		logx.Int("status", resp.StatusCode),
		logx.Duration("took", time.Since(start)))

	if resp.StatusCode == http.StatusOK && decodeErr == nil && api.OK {
		return api.Result, nil
	}

	// Prefer the platform's own description verbatim for operator diagnosis.
	desc := ""
	if decodeErr == nil {
		desc = strings.TrimSpace(api.Description)
	}
	if desc == "" {
		desc = strings.TrimSpace(string(raw))
	}
	return nil, classify(method, resp.StatusCode, desc, api.Parameters)
}

// classify maps an API failure to the retryable/terminal taxonomy:
//   - 429 and 5xx are transient (rate limit, platform hiccup)
//   - 400/401/403/404 are permanent (bad destination, unauthorized, bad payload)
//   - anything unrecognized is conservatively terminal, message preserved
func classify(method string, status int, desc string, params *respParameters) error {
	switch {
	case status == http.StatusTooManyRequests:
		retryAfter := 0
		if params != nil {
			retryAfter = params.RetryAfter
		}
		return platform.Retryablef("%s: rate limited (retry_after=%ds): %s", method, retryAfter, desc)
	case status >= 500:
		return platform.Retryablef("%s: HTTP %d: %s", method, status, desc)
	case status == http.StatusBadRequest,
		status == http.StatusUnauthorized,
		status == http.StatusForbidden,
		status == http.StatusNotFound:
		return platform.Terminalf("%s: HTTP %d: %s", method, status, desc)
	default:
		return platform.Terminalf("%s: HTTP %d: %s", method, status, desc)
	}
}
