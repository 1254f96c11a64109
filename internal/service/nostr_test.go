package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTCDecoded/governance-app/internal/storage"
)

const testNostrKey = "7f7ff03d123792d6ac594bfa67bf6d0c0ab55b6b1fdb6249303fe861f1ccba9a"

type fakeRelay struct {
	mu     sync.Mutex
	events []nostr.Event
	err    error
	closed bool
}

func (r *fakeRelay) Publish(_ context.Context, ev nostr.Event) (nostr.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	r.events = append(r.events, ev)
	return 0, nil
}

func (r *fakeRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func nostrPublisherForTest(t *testing.T, relays map[string]*fakeRelay) *NostrPublisher {
	t.Helper()
	urls := make([]string, 0, len(relays))
	for u := range relays {
		urls = append(urls, u)
	}
	p, err := NewNostrPublisher(urls, testNostrKey, time.Second)
	require.NoError(t, err)
	p.clock = func() time.Time { return time.Date(2025, 8, 1, 12, 0, 0, 0, time.UTC) }
	p.dial = func(_ context.Context, url string) (nostrRelay, error) {
		r, ok := relays[url]
		if !ok {
			return nil, errors.New("unreachable")
		}
		return r, nil
	}
	return p
}

func sampleUpdate() storage.StatusUpdate {
	return storage.StatusUpdate{
		Repo:        "acme/core",
		Number:      42,
		HeadSHA:     "abc123",
		State:       "failure",
		Context:     "governance/gatekeeper",
		Description: "Requirements not met",
		Body:        "❌ Governance: Requirements Not Met",
	}
}

func TestNostrPublisherSignsStatusEvent(t *testing.T) {
	relay := &fakeRelay{}
	p := nostrPublisherForTest(t, map[string]*fakeRelay{"wss://relay.one": relay})

	require.NoError(t, p.Publish(context.Background(), sampleUpdate()))
	require.Len(t, relay.events, 1)
	assert.True(t, relay.closed)

	ev := relay.events[0]
	assert.Equal(t, KindGovernanceStatus, ev.Kind)
	assert.Equal(t, p.PublicKey(), ev.PubKey)
	assert.Equal(t, "❌ Governance: Requirements Not Met", ev.Content)
	assert.Equal(t, "acme/core#42", ev.Tags.GetFirst([]string{"d"}).Value())
	assert.Equal(t, "failure", ev.Tags.GetFirst([]string{"state"}).Value())

	ok, err := ev.CheckSignature()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNostrPublisherNeedsOneRelay(t *testing.T) {
	good := &fakeRelay{}
	bad := &fakeRelay{err: errors.New("rate limited")}
	p := nostrPublisherForTest(t, map[string]*fakeRelay{"wss://good": good, "wss://bad": bad})
	require.NoError(t, p.Publish(context.Background(), sampleUpdate()))
	assert.Len(t, good.events, 1)

	p = nostrPublisherForTest(t, map[string]*fakeRelay{"wss://bad": bad})
	err := p.Publish(context.Background(), sampleUpdate())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestNewNostrPublisherValidatesInput(t *testing.T) {
	_, err := NewNostrPublisher(nil, testNostrKey, 0)
	require.Error(t, err)

	keyPath := filepath.Join(t.TempDir(), "nostr.key")
	require.NoError(t, os.WriteFile(keyPath, []byte(testNostrKey+"\n"), 0o600))
	p, err := LoadNostrPublisher([]string{"wss://relay.one"}, keyPath, 0)
	require.NoError(t, err)
	assert.Len(t, p.PublicKey(), 64)
}

func TestMirroredPublisherIgnoresMirrorFailures(t *testing.T) {
	primary := &fakePublisher{}
	mirror := &fakePublisher{err: errors.New("mirror down")}
	p := MirroredPublisher{Primary: primary, Mirrors: []StatusPublisher{mirror}}
	require.NoError(t, p.Publish(context.Background(), sampleUpdate()))
	assert.Len(t, primary.published, 1)

	primary.err = errors.New("status api down")
	healthy := &fakePublisher{}
	p = MirroredPublisher{Primary: primary, Mirrors: []StatusPublisher{healthy}}
	require.Error(t, p.Publish(context.Background(), sampleUpdate()))
	assert.Empty(t, healthy.published)
}
