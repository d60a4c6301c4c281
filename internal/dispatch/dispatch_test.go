package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"postline/internal/eventbus"
	"postline/internal/platform"
	"postline/internal/storage"
	logx "postline/pkg/logx"
)

// fakeStore is an in-memory Store for one post.
type fakeStore struct {
	mu          sync.Mutex
	post        storage.Post
	channels    []storage.Channel
	attachments []storage.Attachment
	audits      []storage.AuditEntry

	getPostErrs int // fail this many GetPost calls before succeeding
}

func (f *fakeStore) ClaimSending(_ context.Context, postID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.post.ID != postID || f.post.Status != storage.StatusPending {
		return false, nil
	}
	f.post.Status = storage.StatusSending
	return true, nil
}

func (f *fakeStore) GetPost(_ context.Context, id int64) (storage.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getPostErrs > 0 {
		f.getPostErrs--
		return storage.Post{}, errors.New("database is locked")
	}
	if f.post.ID != id {
		return storage.Post{}, storage.ErrNotFound
	}
	return f.post, nil
}

func (f *fakeStore) ChannelsForPost(context.Context, int64) ([]storage.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.Channel(nil), f.channels...), nil
}

func (f *fakeStore) AttachmentsForPost(context.Context, int64) ([]storage.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]storage.Attachment(nil), f.attachments...), nil
}

func (f *fakeStore) FinishPost(_ context.Context, _ int64, status storage.PostStatus, errorMessage string, sentAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.post.Status = status
	f.post.ErrorMessage = errorMessage
	if sentAt != nil && f.post.SentAt == nil {
		f.post.SentAt = sentAt
	}
	return nil
}

func (f *fakeStore) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, e)
	return nil
}

func (f *fakeStore) snapshot() storage.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.post
}

// fakeAdapter records calls and answers from a per-destination script.
type fakeAdapter struct {
	kind platform.Kind

	mu       sync.Mutex
	calls    []string // "text @x", "file @x", "album @x"
	failures map[platform.Destination]string
}

func (a *fakeAdapter) Kind() platform.Kind { return a.kind }

func (a *fakeAdapter) outcome(to platform.Destination) platform.Outcome {
	if detail, ok := a.failures[to]; ok {
		return platform.Outcome{Detail: detail}
	}
	return platform.Outcome{OK: true}
}

func (a *fakeAdapter) record(kind string, to platform.Destination) platform.Outcome {
	a.mu.Lock()
	a.calls = append(a.calls, kind+" "+string(to))
	a.mu.Unlock()
	return a.outcome(to)
}

func (a *fakeAdapter) SendText(_ context.Context, to platform.Destination, _ string) platform.Outcome {
	return a.record("text", to)
}

func (a *fakeAdapter) SendFile(_ context.Context, to platform.Destination, _ platform.File, _ string) platform.Outcome {
	return a.record("file", to)
}

func (a *fakeAdapter) SendAlbum(_ context.Context, to platform.Destination, _ []platform.File, _ string) platform.Outcome {
	return a.record("album", to)
}

func (a *fakeAdapter) Verify(context.Context, string, string) platform.VerifyResult {
	return platform.VerifyResult{OK: true}
}

func (a *fakeAdapter) callLog() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func textPost(id int64) storage.Post {
	return storage.Post{ID: id, OwnerID: 1, Content: "hello", Type: storage.PostText, Status: storage.StatusPending}
}

func verifiedChannel(id int64, handle string, kind platform.Kind) storage.Channel {
	return storage.Channel{
		ID: id, OwnerID: 1, Handle: handle, Platform: kind,
		IsVerified: true, PlatformChannelID: "-100" + handle,
	}
}

func newTestService(t *testing.T, store *fakeStore, adapters ...platform.Adapter) *Service {
	t.Helper()
	return New(Config{RetryDelay: time.Millisecond}, store, platform.NewRegistry(adapters...), eventbus.New(), logx.Nop())
}

func TestDispatchFansOutToAllChannels(t *testing.T) {
	t.Parallel()
	tg := &fakeAdapter{kind: platform.Telegram}
	bale := &fakeAdapter{kind: platform.Bale, failures: map[platform.Destination]string{
		"-100b": "Bale API error (404): chat not found",
	}}
	store := &fakeStore{
		post: textPost(10),
		channels: []storage.Channel{
			verifiedChannel(1, "a", platform.Telegram),
			verifiedChannel(2, "b", platform.Bale),
			verifiedChannel(3, "c", platform.Telegram),
		},
	}
	s := newTestService(t, store, tg, bale)

	s.Dispatch(context.Background(), 10)

	p := store.snapshot()
	if p.Status != storage.StatusSent {
		t.Fatalf("status = %s, want sent (partial success counts)", p.Status)
	}
	if p.SentAt == nil {
		t.Fatal("sent_at not set")
	}
	wantTrail := "channel a: sent successfully; channel b: failed - Bale API error (404): chat not found; channel c: sent successfully"
	if p.ErrorMessage != wantTrail {
		t.Fatalf("trail:\n got %q\nwant %q", p.ErrorMessage, wantTrail)
	}
	if got := tg.callLog(); len(got) != 2 || got[0] != "text -100a" || got[1] != "text -100c" {
		t.Fatalf("telegram calls = %v", got)
	}
	if got := bale.callLog(); len(got) != 1 || got[0] != "text -100b" {
		t.Fatalf("bale calls = %v", got)
	}
	if len(store.audits) != 1 || store.audits[0].OKCount != 2 || store.audits[0].FailCount != 1 {
		t.Fatalf("audit = %+v", store.audits)
	}
}

func TestDispatchAllChannelsFailed(t *testing.T) {
	t.Parallel()
	tg := &fakeAdapter{kind: platform.Telegram, failures: map[platform.Destination]string{
		"-100a": "Telegram API error (403): bot was kicked",
	}}
	store := &fakeStore{
		post:     textPost(11),
		channels: []storage.Channel{verifiedChannel(1, "a", platform.Telegram)},
	}
	newTestService(t, store, tg).Dispatch(context.Background(), 11)

	p := store.snapshot()
	if p.Status != storage.StatusFailed || p.SentAt != nil {
		t.Fatalf("status=%s sent_at=%v, want failed/nil", p.Status, p.SentAt)
	}
	if !strings.Contains(p.ErrorMessage, "bot was kicked") {
		t.Fatalf("trail = %q", p.ErrorMessage)
	}
}

func TestDispatchSkipsNonPendingPost(t *testing.T) {
	t.Parallel()
	tg := &fakeAdapter{kind: platform.Telegram}
	store := &fakeStore{
		post:     storage.Post{ID: 12, OwnerID: 1, Type: storage.PostText, Status: storage.StatusSent},
		channels: []storage.Channel{verifiedChannel(1, "a", platform.Telegram)},
	}
	newTestService(t, store, tg).Dispatch(context.Background(), 12)

	if calls := tg.callLog(); len(calls) != 0 {
		t.Fatalf("adapter called for non-pending post: %v", calls)
	}
	if p := store.snapshot(); p.Status != storage.StatusSent {
		t.Fatalf("status mutated to %s", p.Status)
	}
}

func TestDispatchUnverifiedChannelSkipped(t *testing.T) {
	t.Parallel()
	tg := &fakeAdapter{kind: platform.Telegram}
	unverified := verifiedChannel(2, "raw", platform.Telegram)
	unverified.IsVerified = false
	store := &fakeStore{
		post: textPost(13),
		channels: []storage.Channel{
			unverified,
			verifiedChannel(3, "ok", platform.Telegram),
		},
	}
	newTestService(t, store, tg).Dispatch(context.Background(), 13)

	p := store.snapshot()
	if p.Status != storage.StatusSent {
		t.Fatalf("status = %s", p.Status)
	}
	if !strings.Contains(p.ErrorMessage, "channel raw: failed - channel is not verified") {
		t.Fatalf("trail = %q", p.ErrorMessage)
	}
	if calls := tg.callLog(); len(calls) != 1 || calls[0] != "text -100ok" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestDispatchForeignChannelSkipped(t *testing.T) {
	t.Parallel()
	tg := &fakeAdapter{kind: platform.Telegram}
	foreign := verifiedChannel(2, "theirs", platform.Telegram)
	foreign.OwnerID = 99
	store := &fakeStore{
		post:     textPost(14),
		channels: []storage.Channel{foreign},
	}
	newTestService(t, store, tg).Dispatch(context.Background(), 14)

	p := store.snapshot()
	if p.Status != storage.StatusFailed {
		t.Fatalf("status = %s", p.Status)
	}
	if !strings.Contains(p.ErrorMessage, "does not belong to the post owner") {
		t.Fatalf("trail = %q", p.ErrorMessage)
	}
	if len(tg.callLog()) != 0 {
		t.Fatal("foreign channel must never be sent to")
	}
}

func TestDispatchMediaWithoutAttachmentsFailsWithoutNetwork(t *testing.T) {
	t.Parallel()
	tg := &fakeAdapter{kind: platform.Telegram}
	store := &fakeStore{
		post:     storage.Post{ID: 15, OwnerID: 1, Type: storage.PostMedia, Status: storage.StatusPending},
		channels: []storage.Channel{verifiedChannel(1, "a", platform.Telegram)},
	}
	newTestService(t, store, tg).Dispatch(context.Background(), 15)

	p := store.snapshot()
	if p.Status != storage.StatusFailed || p.ErrorMessage != "media post has no attachments" {
		t.Fatalf("post = %+v", p)
	}
	if len(tg.callLog()) != 0 {
		t.Fatal("no network call expected")
	}
}

func TestDispatchNoChannelsIsTerminal(t *testing.T) {
	t.Parallel()
	store := &fakeStore{post: textPost(16)}
	newTestService(t, store, &fakeAdapter{kind: platform.Telegram}).Dispatch(context.Background(), 16)

	p := store.snapshot()
	if p.Status != storage.StatusFailed || p.ErrorMessage != "no channels to deliver to" {
		t.Fatalf("post = %+v", p)
	}
}

func TestDispatchSingleAttachmentUsesSendFile(t *testing.T) {
	t.Parallel()
	tg := &fakeAdapter{kind: platform.Telegram}
	store := &fakeStore{
		post:        storage.Post{ID: 17, OwnerID: 1, Content: "cap", Type: storage.PostMedia, Status: storage.StatusPending},
		channels:    []storage.Channel{verifiedChannel(1, "a", platform.Telegram)},
		attachments: []storage.Attachment{{ID: 1, Path: "/tmp/p.jpg"}},
	}
	newTestService(t, store, tg).Dispatch(context.Background(), 17)

	if calls := tg.callLog(); len(calls) != 1 || calls[0] != "file -100a" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestDispatchMultipleAttachmentsUseAlbum(t *testing.T) {
	t.Parallel()
	tg := &fakeAdapter{kind: platform.Telegram}
	store := &fakeStore{
		post:     storage.Post{ID: 18, OwnerID: 1, Type: storage.PostMedia, Status: storage.StatusPending},
		channels: []storage.Channel{verifiedChannel(1, "a", platform.Telegram)},
		attachments: []storage.Attachment{
			{ID: 1, Path: "/tmp/p.jpg"}, {ID: 2, Path: "/tmp/v.mp4"},
		},
	}
	newTestService(t, store, tg).Dispatch(context.Background(), 18)

	if calls := tg.callLog(); len(calls) != 1 || calls[0] != "album -100a" {
		t.Fatalf("calls = %v", calls)
	}
}

func TestDispatchRetriesOrchestrationErrors(t *testing.T) {
	t.Parallel()
	tg := &fakeAdapter{kind: platform.Telegram}
	store := &fakeStore{
		post:        textPost(19),
		channels:    []storage.Channel{verifiedChannel(1, "a", platform.Telegram)},
		getPostErrs: 2, // first two snapshot attempts fail
	}
	newTestService(t, store, tg).Dispatch(context.Background(), 19)

	p := store.snapshot()
	if p.Status != storage.StatusSent {
		t.Fatalf("status = %s, want sent after retries", p.Status)
	}
	if len(store.audits) != 1 || store.audits[0].Attempt != 3 {
		t.Fatalf("audit = %+v, want success recorded on attempt 3", store.audits)
	}
}

func TestDispatchGivesUpAfterAttemptMax(t *testing.T) {
	t.Parallel()
	store := &fakeStore{
		post:        textPost(20),
		channels:    []storage.Channel{verifiedChannel(1, "a", platform.Telegram)},
		getPostErrs: 10,
	}
	newTestService(t, store, &fakeAdapter{kind: platform.Telegram}).Dispatch(context.Background(), 20)

	p := store.snapshot()
	if p.Status != storage.StatusFailed {
		t.Fatalf("status = %s", p.Status)
	}
	if !strings.HasPrefix(p.ErrorMessage, "dispatch error: ") {
		t.Fatalf("trail = %q", p.ErrorMessage)
	}
}

func TestEnqueueAndWorkerPool(t *testing.T) {
	t.Parallel()
	tg := &fakeAdapter{kind: platform.Telegram}
	store := &fakeStore{
		post:     textPost(21),
		channels: []storage.Channel{verifiedChannel(1, "a", platform.Telegram)},
	}
	s := newTestService(t, store, tg)
	if err := s.Enqueue(21); err == nil {
		t.Fatal("enqueue before start must fail")
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(time.Second)

	if err := s.Enqueue(21); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.snapshot().Status == storage.StatusSent {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("post not dispatched, status = %s", store.snapshot().Status)
}

func TestEnqueueQueueFull(t *testing.T) {
	t.Parallel()
	s := New(Config{Workers: 1, QueueSize: 1}, &fakeStore{}, platform.NewRegistry(), eventbus.New(), logx.Nop())
	// Not started: queue is nil, Enqueue refuses.
	if err := s.Enqueue(1); err == nil {
		t.Fatal("expected error")
	}
}

func drainEvents(ch <-chan eventbus.Event) []eventbus.Event {
	var out []eventbus.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func TestDispatchPublishesLifecycleEvents(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	tg := &fakeAdapter{kind: platform.Telegram}
	store := &fakeStore{
		post:     textPost(30),
		channels: []storage.Channel{verifiedChannel(1, "a", platform.Telegram)},
	}
	s := New(Config{RetryDelay: time.Millisecond}, store, platform.NewRegistry(tg), bus, logx.Nop())

	s.Dispatch(context.Background(), 30)

	got := drainEvents(events)
	if len(got) != 2 || got[0].Type != eventbus.EventDispatchStarted || got[1].Type != eventbus.EventDispatchFinished {
		t.Fatalf("events = %+v, want started then finished", got)
	}
	data, ok := got[1].Data.(map[string]any)
	if !ok {
		t.Fatalf("finished data = %T", got[1].Data)
	}
	if data["post_id"] != int64(30) || data["status"] != "sent" || data["ok"] != 1 {
		t.Fatalf("finished data = %v", data)
	}
}

func TestDispatchPublishesFailedEvent(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	tg := &fakeAdapter{kind: platform.Telegram, failures: map[platform.Destination]string{
		"-100a": "Telegram API error (403): bot was kicked",
	}}
	store := &fakeStore{
		post:     textPost(31),
		channels: []storage.Channel{verifiedChannel(1, "a", platform.Telegram)},
	}
	s := New(Config{RetryDelay: time.Millisecond}, store, platform.NewRegistry(tg), bus, logx.Nop())

	s.Dispatch(context.Background(), 31)

	got := drainEvents(events)
	if len(got) != 3 {
		t.Fatalf("got %d events, want started/finished/failed", len(got))
	}
	if got[0].Type != eventbus.EventDispatchStarted || got[1].Type != eventbus.EventDispatchFinished || got[2].Type != eventbus.EventDispatchFailed {
		t.Fatalf("event types = [%s %s %s]", got[0].Type, got[1].Type, got[2].Type)
	}
	if data := got[2].Data.(map[string]any); data["status"] != "failed" || data["failed"] != 1 {
		t.Fatalf("failed data = %v", data)
	}
}
