// Package verify gates channel registration behind a delivery probe.
//
// A channel only becomes dispatchable after the bot proved it can post to it,
// so dispatch never discovers a dead destination first.
package verify

import (
	"context"
	"errors"
	"strings"
	"time"

	"postline/internal/eventbus"
	"postline/internal/platform"
	"postline/internal/storage"
	logx "postline/pkg/logx"
)

const (
	defaultTimeout = 5 * time.Second
	maxTimeout     = 10 * time.Second

	defaultProbeText = "Checking bot access for post delivery..."
)

// Error carries the platform's reason for refusing the probe.
type Error struct {
	Reason string
}

func (e *Error) Error() string { return "channel verification failed: " + e.Reason }

// IsVerificationFailure reports whether err is a probe refusal (as opposed
// to a storage or lookup error).
func IsVerificationFailure(err error) bool {
	var ve *Error
	return errors.As(err, &ve)
}

type Store interface {
	CreateChannel(ctx context.Context, ch storage.Channel) (int64, error)
	GetChannel(ctx context.Context, id int64) (storage.Channel, error)
	UpdateChannel(ctx context.Context, ch storage.Channel) error
}

type Config struct {
	Timeout   time.Duration
	ProbeText string
}

type Service struct {
	registry  *platform.Registry
	store     Store
	bus       eventbus.Bus
	log       logx.Logger
	timeout   time.Duration
	probeText string
}

func New(cfg Config, registry *platform.Registry, store Store, bus eventbus.Bus, log logx.Logger) *Service {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}
	probeText := strings.TrimSpace(cfg.ProbeText)
	if probeText == "" {
		probeText = defaultProbeText
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		registry:  registry,
		store:     store,
		bus:       bus,
		log:       log.With(logx.String("component", "verify")),
		timeout:   timeout,
		probeText: probeText,
	}
}

// Probe runs the verification send against the platform without persisting
// anything.
func (s *Service) Probe(ctx context.Context, kind platform.Kind, handle string) (platform.VerifyResult, error) {
	adapter, err := s.registry.Get(kind)
	if err != nil {
		return platform.VerifyResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return adapter.Verify(ctx, handle, s.probeText), nil
}

// Register probes the handle and persists the channel only when the platform
// accepted the probe. A refused probe leaves no channel behind.
func (s *Service) Register(ctx context.Context, ownerID int64, name, handle string, kind platform.Kind) (storage.Channel, error) {
	handle = normalizeHandle(handle)
	if handle == "" {
		return storage.Channel{}, errors.New("channel handle is required")
	}

	res, err := s.Probe(ctx, kind, handle)
	if err != nil {
		return storage.Channel{}, err
	}
	if !res.OK {
		s.log.Warn("channel verification refused",
			logx.String("platform", string(kind)), logx.String("handle", handle), logx.String("reason", res.Reason))
		return storage.Channel{}, &Error{Reason: res.Reason}
	}

	ch := storage.Channel{
		OwnerID:           ownerID,
		Name:              name,
		Handle:            handle,
		Platform:          kind,
		IsVerified:        true,
		PlatformChannelID: res.NativeID,
	}
	id, err := s.store.CreateChannel(ctx, ch)
	if err != nil {
		return storage.Channel{}, err
	}
	ch.ID = id

	s.publishVerified(ch)
	s.log.Info("channel registered",
		logx.Int64("channel_id", id), logx.String("platform", string(kind)),
		logx.String("handle", handle), logx.String("native_id", res.NativeID))
	return ch, nil
}

// Update edits a channel. The probe only reruns when the handle or platform
// changed; a pure rename keeps the existing verification.
func (s *Service) Update(ctx context.Context, ownerID, channelID int64, name, handle string, kind platform.Kind) (storage.Channel, error) {
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return storage.Channel{}, err
	}
	if ch.OwnerID != ownerID {
		return storage.Channel{}, storage.ErrNotFound
	}

	handle = normalizeHandle(handle)
	if handle == "" {
		handle = ch.Handle
	}
	ch.Name = name

	if handle != ch.Handle || kind != ch.Platform {
		res, err := s.Probe(ctx, kind, handle)
		if err != nil {
			return storage.Channel{}, err
		}
		if !res.OK {
			return storage.Channel{}, &Error{Reason: res.Reason}
		}
		ch.Handle = handle
		ch.Platform = kind
		ch.IsVerified = true
		ch.FailedReason = ""
		ch.PlatformChannelID = res.NativeID
		s.publishVerified(ch)
	}

	if err := s.store.UpdateChannel(ctx, ch); err != nil {
		return storage.Channel{}, err
	}
	return ch, nil
}

// Reverify reruns the probe for an existing channel and records the outcome,
// including the failure reason when access was lost.
func (s *Service) Reverify(ctx context.Context, ownerID, channelID int64) (storage.Channel, error) {
	ch, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return storage.Channel{}, err
	}
	if ch.OwnerID != ownerID {
		return storage.Channel{}, storage.ErrNotFound
	}

	res, err := s.Probe(ctx, ch.Platform, ch.Handle)
	if err != nil {
		return storage.Channel{}, err
	}
	if res.OK {
		ch.IsVerified = true
		ch.FailedReason = ""
		ch.PlatformChannelID = res.NativeID
		s.publishVerified(ch)
	} else {
		ch.IsVerified = false
		ch.FailedReason = res.Reason
	}
	if err := s.store.UpdateChannel(ctx, ch); err != nil {
		return storage.Channel{}, err
	}
	return ch, nil
}

func (s *Service) publishVerified(ch storage.Channel) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.EventChannelVerified, Data: map[string]any{
		"channel_id": ch.ID,
		"platform":   string(ch.Platform),
		"handle":     ch.Handle,
	}})
}

// normalizeHandle keeps the "@name" form platforms expect for public chats.
// Numeric chat ids (including the "-100..." supergroup form) pass through.
func normalizeHandle(h string) string {
	h = strings.TrimSpace(h)
	switch {
	case h == "":
		return ""
	case strings.HasPrefix(h, "@") || strings.HasPrefix(h, "-") || isDigits(h):
		return h
	default:
		return "@" + h
	}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
