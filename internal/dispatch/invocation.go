package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"postline/internal/eventbus"
	"postline/internal/platform"
	"postline/internal/storage"
	logx "postline/pkg/logx"
)

// result is the per-channel trail of one delivery pass.
type result struct {
	lines []string
	ok    int
	fail  int
}

func (r *result) add(ch storage.Channel, out platform.Outcome) {
	label := "channel " + ch.Handle
	if out.OK {
		r.lines = append(r.lines, label+": sent successfully")
		r.ok++
		return
	}
	r.lines = append(r.lines, label+": failed - "+out.Detail)
	r.fail++
}

func (r *result) trail() string { return strings.Join(r.lines, "; ") }

// Dispatch runs one delivery invocation for the post. Safe to call with ids
// that are no longer pending; the claim simply loses and the call is a no-op.
func (s *Service) Dispatch(ctx context.Context, postID int64) {
	invocation := uuid.NewString()
	log := s.log.With(logx.Int64("post_id", postID), logx.String("invocation", invocation))

	won, err := s.store.ClaimSending(ctx, postID)
	if err != nil {
		log.Error("claim failed", logx.Err(err))
		return
	}
	if !won {
		log.Debug("skipped: post is not pending")
		return
	}

	s.publish(eventbus.EventDispatchStarted, map[string]any{
		"post_id": postID, "invocation": invocation,
	})
	start := time.Now()

	var lastErr error
	for attempt := 1; attempt <= s.cfg.AttemptMax; attempt++ {
		res, term, err := s.deliverOnce(ctx, postID, log)
		if err == nil {
			s.finalize(ctx, postID, invocation, attempt, res, term, start, log)
			return
		}
		lastErr = err
		log.Error("dispatch attempt failed",
			logx.Int("attempt", attempt), logx.Int("attempt_max", s.cfg.AttemptMax), logx.Err(err))
		if attempt == s.cfg.AttemptMax {
			break
		}
		select {
		case <-ctx.Done():
			// Shutdown mid-invocation. The post stays in sending; the
			// operator resolves it via manual retry.
			return
		case <-time.After(s.cfg.RetryDelay):
		}
	}

	// Attempts exhausted on an orchestration error (storage, snapshot).
	detail := "dispatch error: " + lastErr.Error()
	if err := s.store.FinishPost(ctx, postID, storage.StatusFailed, detail, nil); err != nil {
		log.Error("failed to persist terminal failure", logx.Err(err))
	}
	s.audit(ctx, postID, invocation, s.cfg.AttemptMax, storage.StatusFailed, result{lines: []string{detail}, fail: 1}, start, log)
	s.publish(eventbus.EventDispatchFailed, map[string]any{
		"post_id": postID, "invocation": invocation, "detail": detail,
	})
	log.Error("dispatch gave up", logx.String("detail", detail))
}

// terminalFailure marks invocations that must fail without touching the wire.
type terminalFailure struct {
	detail string
}

// deliverOnce snapshots the post and fans out to every channel. The returned
// error is an orchestration failure eligible for a whole-invocation retry;
// per-channel delivery failures only show up inside the result.
func (s *Service) deliverOnce(ctx context.Context, postID int64, log logx.Logger) (result, *terminalFailure, error) {
	var res result

	post, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return res, nil, err
	}
	channels, err := s.store.ChannelsForPost(ctx, postID)
	if err != nil {
		return res, nil, err
	}
	attachments, err := s.store.AttachmentsForPost(ctx, postID)
	if err != nil {
		return res, nil, err
	}

	targets, skipped := resolveTargets(post, channels)
	res.lines = append(res.lines, skipped...)
	res.fail += len(skipped)

	if len(targets) == 0 && res.fail == 0 {
		return res, &terminalFailure{detail: "no channels to deliver to"}, nil
	}
	if post.Type == storage.PostMedia && len(attachments) == 0 {
		return res, &terminalFailure{detail: "media post has no attachments"}, nil
	}

	files := make([]platform.File, 0, len(attachments))
	for _, a := range attachments {
		files = append(files, platform.File{Path: a.Path, Caption: a.Caption})
	}

	for _, ch := range targets {
		adapter, err := s.registry.Get(ch.Platform)
		if err != nil {
			res.add(ch, platform.Outcome{Detail: err.Error()})
			continue
		}
		out := s.sendToChannel(ctx, adapter, ch, post, files)
		res.add(ch, out)
		if !out.OK {
			log.Warn("channel delivery failed",
				logx.Int64("channel_id", ch.ID),
				logx.String("platform", string(ch.Platform)),
				logx.Bool("retryable", out.Retryable),
				logx.String("detail", out.Detail))
		}
	}
	return res, nil, nil
}

func (s *Service) sendToChannel(ctx context.Context, adapter platform.Adapter, ch storage.Channel, post storage.Post, files []platform.File) platform.Outcome {
	dest := ch.Destination()
	switch post.Type {
	case storage.PostText:
		return adapter.SendText(ctx, dest, post.Content)
	case storage.PostMedia:
		if len(files) == 1 {
			return adapter.SendFile(ctx, dest, files[0], post.Content)
		}
		return adapter.SendAlbum(ctx, dest, files, post.Content)
	default:
		return platform.Outcome{Detail: "unsupported post type " + string(post.Type)}
	}
}

func (s *Service) finalize(ctx context.Context, postID int64, invocation string, attempt int, res result, term *terminalFailure, start time.Time, log logx.Logger) {
	status := storage.StatusFailed
	var sentAt *time.Time
	trail := res.trail()

	switch {
	case term != nil:
		trail = term.detail
		res = result{lines: []string{term.detail}, fail: 1}
	case res.ok > 0:
		status = storage.StatusSent
		now := time.Now()
		sentAt = &now
	}

	if err := s.store.FinishPost(ctx, postID, status, trail, sentAt); err != nil {
		log.Error("failed to persist dispatch result", logx.Err(err))
		return
	}
	s.audit(ctx, postID, invocation, attempt, status, res, start, log)

	data := map[string]any{
		"post_id": postID, "invocation": invocation, "status": string(status),
		"ok": res.ok, "failed": res.fail,
	}
	s.publish(eventbus.EventDispatchFinished, data)
	if status == storage.StatusFailed {
		s.publish(eventbus.EventDispatchFailed, data)
		log.Error("post failed on all channels", logx.Int("channels", res.ok+res.fail), logx.String("trail", trail))
		return
	}
	log.Info("post dispatched", logx.Int("ok", res.ok), logx.Int("failed", res.fail),
		logx.Duration("took", time.Since(start)))
}

func (s *Service) audit(ctx context.Context, postID int64, invocation string, attempt int, status storage.PostStatus, res result, start time.Time, log logx.Logger) {
	err := s.store.AppendAudit(ctx, storage.AuditEntry{
		At:         time.Now(),
		PostID:     postID,
		Invocation: invocation,
		Attempt:    attempt,
		Status:     status,
		OKCount:    res.ok,
		FailCount:  res.fail,
		Detail:     res.trail(),
		TookMS:     time.Since(start).Milliseconds(),
	})
	if err != nil {
		log.Warn("audit append failed", logx.Err(err))
	}
}

func (s *Service) publish(eventType string, data map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: eventType, Data: data})
}
