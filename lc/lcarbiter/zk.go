package lcarbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
)

// ZKConfig configures the ZooKeeper-backed arbiter.
type ZKConfig struct {
	// Hosts is the connection string: comma-separated host:port pairs.
	Hosts string

	// PathPrefix is the root of the consensus namespace,
	// e.g. "/keel"; round nodes live at <prefix>/consensus/<seq>.
	PathPrefix string

	SessionTimeout time.Duration

	// CallTimeout bounds a single Publish attempt;
	// exceeding it yields StatusRetry.
	CallTimeout time.Duration
}

func (c ZKConfig) withDefaults() ZKConfig {
	if c.PathPrefix == "" {
		c.PathPrefix = "/keel"
	}
	if c.SessionTimeout == 0 {
		c.SessionTimeout = 10 * time.Second
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 2 * time.Second
	}
	return c
}

// ZKFactory owns the process-wide ZooKeeper connection.
// Holders acquire the shared arbiter and release it when done (keeld
// acquires it once at startup and releases it at shutdown); the
// connection closes when the last reference is released,
// which drops the ephemeral round nodes this session created.
type ZKFactory struct {
	log *slog.Logger
	cfg ZKConfig

	mu   sync.Mutex
	conn *zk.Conn
	refs int
}

func NewZKFactory(log *slog.Logger, cfg ZKConfig) *ZKFactory {
	return &ZKFactory{
		log: log,
		cfg: cfg.withDefaults(),
	}
}

// Acquire connects on first use, creating the parent paths,
// and returns the shared arbiter.
// Every successful Acquire must be paired with a Release.
func (f *ZKFactory) Acquire(ctx context.Context) (*ZKArbiter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn == nil {
		conn, _, err := zk.Connect(strings.Split(f.cfg.Hosts, ","), f.cfg.SessionTimeout)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to zookeeper: %w", err)
		}

		if err := ensureParents(conn, f.cfg.PathPrefix); err != nil {
			conn.Close()
			return nil, err
		}

		f.conn = conn
	}

	f.refs++
	return &ZKArbiter{
		log:  f.log,
		cfg:  f.cfg,
		conn: f.conn,
	}, nil
}

// Release drops one reference; the connection closes at zero.
func (f *ZKFactory) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.refs--
	if f.refs <= 0 && f.conn != nil {
		f.conn.Close()
		f.conn = nil
		f.refs = 0
	}
}

func ensureParents(conn *zk.Conn, prefix string) error {
	for _, p := range []string{prefix, prefix + "/consensus"} {
		_, err := conn.Create(p, nil, 0, zk.WorldACL(zk.PermAll))
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return fmt.Errorf("failed to create parent path %s: %w", p, err)
		}
	}
	return nil
}

// ZKArbiter implements [Arbiter] over a shared ZooKeeper connection.
//
// The round node is ephemeral: if this session dies,
// the record disappears and another node's position can win.
type ZKArbiter struct {
	log  *slog.Logger
	cfg  ZKConfig
	conn *zk.Conn
}

func (a *ZKArbiter) Publish(ctx context.Context, key RoundKey, pos Position) Outcome {
	done := make(chan Outcome, 1)
	go func() {
		done <- a.publish(key, pos)
	}()

	select {
	case out := <-done:
		return out
	case <-ctx.Done():
		return Outcome{Status: StatusRetry}
	case <-time.After(a.cfg.CallTimeout):
		a.log.Warn("ZooKeeper publish timed out", "seq", key.Seq)
		return Outcome{Status: StatusRetry}
	}
}

func (a *ZKArbiter) publish(key RoundKey, pos Position) Outcome {
	path := fmt.Sprintf("%s/consensus/%d", a.cfg.PathPrefix, key.Seq)
	value := []byte(EncodePosition(pos))

	_, err := a.conn.Create(path, value, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err == nil {
		a.log.Info("Consensus written to ZooKeeper", "seq", key.Seq)
		return Outcome{Status: StatusAgreed}
	}

	if !errors.Is(err, zk.ErrNodeExists) {
		a.log.Warn("Create ZooKeeper node failed, will retry", "seq", key.Seq, "err", err)
		return Outcome{Status: StatusRetry}
	}

	data, stat, err := a.conn.Get(path)
	if err != nil {
		a.log.Warn("ZooKeeper get failed, will retry", "seq", key.Seq, "err", err)
		return Outcome{Status: StatusRetry}
	}

	stored, err := DecodePosition(string(data))
	if err != nil {
		// Another writer stored garbage; replace it at its version.
		a.log.Warn("Bad consensus data, replacing", "seq", key.Seq, "err", err)
		if _, err := a.conn.Set(path, value, stat.Version); err != nil {
			a.log.Warn("Replace failed, will retry", "seq", key.Seq, "err", err)
			return Outcome{Status: StatusRetry}
		}
		return Outcome{Status: StatusAgreed}
	}

	return Outcome{Status: StatusExists, Stored: stored}
}
