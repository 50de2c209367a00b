package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jsherman999/domwatch/internal/codec"
	"github.com/jsherman999/domwatch/internal/dom"
)

// NotifyChannel is the channel the dom_instances trigger notifies on.
const NotifyChannel = "dom_instances_changed"

const (
	listenInitialBackoff = time.Second
	listenMaxBackoff     = 30 * time.Second
)

// Postgres listens on NotifyChannel with one dedicated connection taken out of
// the pool. Subscription sets are local bookkeeping only: every set shares the
// single LISTEN, and module/predicate filtering happens in dispatch.
type Postgres struct {
	pool    *pgxpool.Pool
	channel string
	codec   codec.JSON
	logger  *zap.Logger
	r       *router

	mu     sync.RWMutex
	closed bool
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPostgres(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("connection.Postgres: pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Postgres{
		pool:    pool,
		channel: NotifyChannel,
		logger:  logger.With(zap.String("transport", "postgres")),
		r:       newRouter(),
		done:    make(chan struct{}),
	}

	// Fail fast on a bad DSN or missing permissions; later failures are retried.
	conn, err := p.listen(ctx)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.loop(loopCtx, conn)
	return p, nil
}

func (p *Postgres) listen(ctx context.Context) (*pgx.Conn, error) {
	pc, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen conn: %w", err)
	}
	conn := pc.Hijack()
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{p.channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("listen %s: %w", p.channel, err)
	}
	return conn, nil
}

func (p *Postgres) loop(ctx context.Context, conn *pgx.Conn) {
	defer close(p.done)
	backoff := listenInitialBackoff
	for {
		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			var err error
			conn, err = p.listen(ctx)
			if err != nil {
				p.logger.Warn("re-listen failed", zap.Error(err), zap.Duration("backoff", backoff))
				backoff = min(backoff*2, listenMaxBackoff)
				continue
			}
			backoff = listenInitialBackoff
			p.logger.Info("listening again", zap.String("channel", p.channel))
		}

		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(context.Background())
				return
			}
			p.logger.Warn("wait for notification failed", zap.Error(err))
			_ = conn.Close(context.Background())
			conn = nil
			continue
		}

		ev, err := p.codec.Decode([]byte(n.Payload))
		if err != nil {
			p.logger.Warn("decode failed", zap.String("channel", n.Channel), zap.Error(err))
			continue
		}
		p.r.dispatch(ev)
	}
}

func (p *Postgres) Subscribe(_ context.Context, setID string, f dom.Filter) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	_, err := p.r.addSet(setID, f)
	return err
}

func (p *Postgres) Unsubscribe(_ context.Context, setID string) error {
	p.r.removeSet(setID)
	return nil
}

func (p *Postgres) AddHandler(h Handler) HandlerID { return p.r.addHandler(h) }

func (p *Postgres) RemoveHandler(id HandlerID) { p.r.removeHandler(id) }

// Publish sends ev through pg_notify. Normal writes do not need this, the
// trigger on dom_instances already notifies.
func (p *Postgres) Publish(ctx context.Context, ev *dom.InstancesChangedEvent) error {
	payload, err := p.codec.Encode(ev)
	if err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, p.channel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()
	<-p.done
	return nil
}
