package service

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTCDecoded/governance-app/internal/storage"
)

type fakePublisher struct {
	mu        sync.Mutex
	err       error
	published []storage.StatusUpdate
}

func (p *fakePublisher) Publish(_ context.Context, u storage.StatusUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, u)
	return nil
}

func (h *harness) relay(pub StatusPublisher, maxAttempts int) *StatusRelay {
	h.t.Helper()
	r, err := NewStatusRelay(RelayParams{
		Store:       h.store,
		Publisher:   pub,
		Sweeper:     h.gk,
		MaxAttempts: maxAttempts,
		Clock:       h.clock.Now,
	})
	require.NoError(h.t, err)
	return r
}

func (h *harness) pending() []storage.StatusUpdate {
	h.t.Helper()
	items, err := h.store.FetchPendingStatus(h.ctx, 100, h.clock.Now().Add(24*time.Hour))
	require.NoError(h.t, err)
	return items
}

func TestRelayPublishesPendingStatus(t *testing.T) {
	h := newHarness(t)
	h.open("acme/core", 1, "Fix typo in README")
	require.NotEmpty(t, h.pending())

	pub := &fakePublisher{}
	sent, err := h.relay(pub, 5).ProcessBatch(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, len(pub.published), sent)
	require.NotEmpty(t, pub.published)

	last := pub.published[len(pub.published)-1]
	assert.Equal(t, "acme/core", last.Repo)
	assert.Equal(t, "failure", last.State)
	assert.Empty(t, h.pending())
}

func TestRelayRetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	h.open("acme/core", 1, "Fix typo in README")

	pub := &fakePublisher{err: errors.New("connection reset")}
	r := h.relay(pub, 5)
	sent, err := r.ProcessBatch(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, sent)

	// Not due yet.
	items, err := h.store.FetchPendingStatus(h.ctx, 100, h.clock.Now())
	require.NoError(t, err)
	assert.Empty(t, items)

	retried := h.pending()
	require.NotEmpty(t, retried)
	assert.Equal(t, 1, retried[0].Attempts)
	assert.Equal(t, "connection reset", retried[0].LastError)

	pub.err = nil
	h.clock.Advance(time.Hour)
	sent, err = r.ProcessBatch(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, len(retried), sent)
	assert.Empty(t, h.pending())
}

func TestRelayParksPermanentFailures(t *testing.T) {
	h := newHarness(t)
	h.open("acme/core", 1, "Fix typo in README")

	pub := &fakePublisher{err: &PermanentError{Err: errors.New("status api returned 422")}}
	_, err := h.relay(pub, 5).ProcessBatch(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, h.pending())
}

func TestRelayGivesUpAfterMaxAttempts(t *testing.T) {
	h := newHarness(t)
	h.open("acme/core", 1, "Fix typo in README")

	pub := &fakePublisher{err: errors.New("bad gateway")}
	r := h.relay(pub, 2)
	_, err := r.ProcessBatch(h.ctx)
	require.NoError(t, err)
	require.NotEmpty(t, h.pending())

	h.clock.Advance(time.Hour)
	_, err = r.ProcessBatch(h.ctx)
	require.NoError(t, err)
	assert.Empty(t, h.pending())
}

func TestRelayRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan error, 1)
	go func() { done <- h.relay(&fakePublisher{}, 5).Run(ctx, time.Millisecond) }()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestComputeBackoff(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{5, 160 * time.Second},
		{30, 10 * time.Minute},
	}
	for _, tc := range cases {
		if got := computeBackoff(tc.attempts, 10*time.Minute); got != tc.want {
			t.Fatalf("computeBackoff(%d) = %s, want %s", tc.attempts, got, tc.want)
		}
	}
	if got := truncate("abcdef", 3); got != "abc" {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("ab", 3); got != "ab" {
		t.Fatalf("truncate = %q", got)
	}
}

func TestHTTPPublisher(t *testing.T) {
	var (
		mu     sync.Mutex
		status = http.StatusCreated
		got    commitStatus
		path   string
		auth   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path, auth = r.URL.Path, r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	pub, err := NewHTTPPublisher(srv.URL+"/", "secret", "https://gov.example.org", time.Second)
	require.NoError(t, err)

	update := storage.StatusUpdate{
		ID: 1, Repo: "acme/core", Number: 7, HeadSHA: "abc123", State: "failure",
		Context: "governance/gatekeeper", Description: strings.Repeat("x", 300),
	}
	require.NoError(t, pub.Publish(context.Background(), update))
	mu.Lock()
	assert.Equal(t, "/repos/acme/core/statuses/abc123", path)
	assert.Equal(t, "Bearer secret", auth)
	assert.Len(t, got.Description, maxStatusDescription)
	assert.Equal(t, "https://gov.example.org", got.TargetURL)
	status = http.StatusBadGateway
	mu.Unlock()

	err = pub.Publish(context.Background(), update)
	require.Error(t, err)
	var permanent *PermanentError
	assert.False(t, errors.As(err, &permanent))

	mu.Lock()
	status = http.StatusUnprocessableEntity
	mu.Unlock()
	err = pub.Publish(context.Background(), update)
	assert.True(t, errors.As(err, &permanent))

	update.HeadSHA = ""
	err = pub.Publish(context.Background(), update)
	assert.True(t, errors.As(err, &permanent))

	_, err = NewHTTPPublisher("not a url", "", "", 0)
	assert.Error(t, err)
}
