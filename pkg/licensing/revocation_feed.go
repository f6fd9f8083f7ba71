package licensing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pub"
	"go.nanomsg.org/mangos/v3/protocol/sub"

	// Register all transports (tcp, ipc, inproc, ws)
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/dd0wney/cluso-license/pkg/logging"
)

// revocationTopic prefixes every message on the feed. SUB sockets filter on it.
const revocationTopic = "REVOKE:"

type revocationMessage struct {
	LicenseID string    `json:"license_id"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

// FeedPublisher wraps a RevocationStore and broadcasts every successful
// revocation on a PUB socket, so verifier replicas learn about it without
// polling the store.
type FeedPublisher struct {
	RevocationStore
	sock   mangos.Socket
	mu     sync.Mutex
	logger logging.Logger
}

// NewFeedPublisher listens on url (e.g. tcp://0.0.0.0:7450).
func NewFeedPublisher(store RevocationStore, url string, logger logging.Logger) (*FeedPublisher, error) {
	sock, err := pub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create PUB socket: %w", err)
	}
	if err := sock.Listen(url); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", url, err)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &FeedPublisher{
		RevocationStore: store,
		sock:            sock,
		logger:          logger.With(logging.Component("revocation_feed")),
	}, nil
}

// Revoke revokes in the wrapped store, then broadcasts. A failed broadcast
// is logged; the store remains the source of truth.
func (f *FeedPublisher) Revoke(ctx context.Context, id, reason string) error {
	if err := f.RevocationStore.Revoke(ctx, id, reason); err != nil {
		return err
	}

	payload, err := json.Marshal(revocationMessage{LicenseID: id, Reason: reason, At: time.Now().UTC()})
	if err != nil {
		return nil
	}

	f.mu.Lock()
	err = f.sock.Send(append([]byte(revocationTopic), payload...))
	f.mu.Unlock()
	if err != nil {
		f.logger.Warn("revocation broadcast failed", logging.LicenseID(id), logging.Error(err))
	}
	return nil
}

// Close closes the socket.
func (f *FeedPublisher) Close() error {
	return f.sock.Close()
}

// FeedCache subscribes to a revocation feed and keeps the revoked IDs it has
// seen. IsRevoked answers from the cache for known revocations and falls
// back to the wrapped store for everything else, so a missed broadcast only
// costs a store lookup.
type FeedCache struct {
	RevocationStore
	sock    mangos.Socket
	logger  logging.Logger
	mu      sync.RWMutex
	revoked map[string]struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewFeedCache dials url and starts receiving.
func NewFeedCache(store RevocationStore, url string, logger logging.Logger) (*FeedCache, error) {
	sock, err := sub.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create SUB socket: %w", err)
	}
	if err := sock.SetOption(mangos.OptionSubscribe, []byte(revocationTopic)); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to subscribe to revocations: %w", err)
	}
	if err := sock.SetOption(mangos.OptionRecvDeadline, time.Second); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to set receive deadline: %w", err)
	}
	// Non-blocking dial so the cache starts even while the publisher is down
	if err := sock.DialOptions(url, map[string]any{mangos.OptionDialAsynch: true}); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	c := &FeedCache{
		RevocationStore: store,
		sock:            sock,
		logger:          logger.With(logging.Component("revocation_cache")),
		revoked:         make(map[string]struct{}),
		stopCh:          make(chan struct{}),
	}
	c.wg.Add(1)
	go c.receive()
	return c, nil
}

func (c *FeedCache) receive() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		msg, err := c.sock.Recv()
		if errors.Is(err, mangos.ErrClosed) {
			return
		}
		if err != nil {
			// Timeout, check for stop
			continue
		}

		data, ok := bytes.CutPrefix(msg, []byte(revocationTopic))
		if !ok {
			continue
		}
		var m revocationMessage
		if err := json.Unmarshal(data, &m); err != nil || m.LicenseID == "" {
			c.logger.Warn("ignoring malformed revocation message")
			continue
		}
		c.add(m.LicenseID)
	}
}

func (c *FeedCache) add(id string) {
	c.mu.Lock()
	c.revoked[id] = struct{}{}
	c.mu.Unlock()
}

// Cached reports whether id is known revoked without consulting the store.
func (c *FeedCache) Cached(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.revoked[id]
	return ok
}

// IsRevoked answers from the cache, then from the store.
func (c *FeedCache) IsRevoked(ctx context.Context, id string) (bool, error) {
	if c.Cached(id) {
		return true, nil
	}
	return c.RevocationStore.IsRevoked(ctx, id)
}

// Revoke revokes in the store and records the ID locally.
func (c *FeedCache) Revoke(ctx context.Context, id, reason string) error {
	if err := c.RevocationStore.Revoke(ctx, id, reason); err != nil {
		return err
	}
	c.add(id)
	return nil
}

// Close stops the receiver and closes the socket.
func (c *FeedCache) Close() error {
	close(c.stopCh)
	err := c.sock.Close()
	c.wg.Wait()
	return err
}
