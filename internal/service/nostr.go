package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/BTCDecoded/governance-app/internal/protocol"
	"github.com/BTCDecoded/governance-app/internal/storage"
)

// KindGovernanceStatus is the parameterized replaceable kind used for status
// mirrors; the d tag keeps one live event per pull request.
const KindGovernanceStatus = 30078

type nostrRelay interface {
	Publish(ctx context.Context, ev nostr.Event) (nostr.Status, error)
	Close() error
}

type relayDialer func(ctx context.Context, url string) (nostrRelay, error)

func dialRelay(ctx context.Context, url string) (nostrRelay, error) {
	relay, err := nostr.RelayConnect(ctx, url)
	if err != nil {
		return nil, err
	}
	return relay, nil
}

// NostrPublisher mirrors status checks to Nostr relays as signed events so
// third parties can follow governance decisions without access to the code
// host. A publish succeeds when at least one relay accepts the event.
type NostrPublisher struct {
	relays    []string
	secretKey string
	pubKey    string
	timeout   time.Duration
	dial      relayDialer
	clock     func() time.Time
}

func NewNostrPublisher(relays []string, secretKeyHex string, timeout time.Duration) (*NostrPublisher, error) {
	if len(relays) == 0 {
		return nil, errors.New("at least one nostr relay is required")
	}
	sk := strings.ToLower(strings.TrimSpace(secretKeyHex))
	pub, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("derive nostr public key: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &NostrPublisher{
		relays:    relays,
		secretKey: sk,
		pubKey:    pub,
		timeout:   timeout,
		dial:      dialRelay,
		clock:     time.Now,
	}, nil
}

// LoadNostrPublisher reads the hex secret key from path.
func LoadNostrPublisher(relays []string, keyPath string, timeout time.Duration) (*NostrPublisher, error) {
	buf, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read nostr key: %w", err)
	}
	return NewNostrPublisher(relays, string(buf), timeout)
}

func (p *NostrPublisher) PublicKey() string {
	return p.pubKey
}

func (p *NostrPublisher) event(u storage.StatusUpdate) (nostr.Event, error) {
	content := u.Description
	if u.Body != "" {
		content = u.Body
	}
	ev := nostr.Event{
		PubKey:    p.pubKey,
		CreatedAt: nostr.Timestamp(p.clock().Unix()),
		Kind:      KindGovernanceStatus,
		Tags: nostr.Tags{
			nostr.Tag{"d", protocol.PRKey(u.Repo, u.Number)},
			nostr.Tag{"repo", u.Repo},
			nostr.Tag{"pr", strconv.Itoa(u.Number)},
			nostr.Tag{"sha", u.HeadSHA},
			nostr.Tag{"state", u.State},
			nostr.Tag{"context", u.Context},
		},
		Content: content,
	}
	if err := ev.Sign(p.secretKey); err != nil {
		return nostr.Event{}, err
	}
	return ev, nil
}

func (p *NostrPublisher) Publish(ctx context.Context, u storage.StatusUpdate) error {
	ev, err := p.event(u)
	if err != nil {
		return &PermanentError{Err: fmt.Errorf("sign nostr event: %w", err)}
	}
	var errs []error
	accepted := 0
	for _, url := range p.relays {
		if err := p.publishTo(ctx, url, ev); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", url, err))
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (p *NostrPublisher) publishTo(ctx context.Context, url string, ev nostr.Event) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	relay, err := p.dial(ctx, url)
	if err != nil {
		return err
	}
	defer relay.Close()
	_, err = relay.Publish(ctx, ev)
	return err
}

// MirroredPublisher publishes to a primary sink and, once that succeeds,
// copies the update to best-effort mirrors. Mirror failures are logged and
// never cause a retry.
type MirroredPublisher struct {
	Primary StatusPublisher
	Mirrors []StatusPublisher
	Logger  *slog.Logger
}

func (p MirroredPublisher) Publish(ctx context.Context, u storage.StatusUpdate) error {
	if err := p.Primary.Publish(ctx, u); err != nil {
		return err
	}
	for _, m := range p.Mirrors {
		if err := m.Publish(ctx, u); err != nil && p.Logger != nil {
			p.Logger.Warn("status mirror failed",
				slog.String("repo", u.Repo),
				slog.Int("pr", u.Number),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}
