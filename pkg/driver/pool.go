package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrPoolClosed is returned when acquiring from a closed pool
var ErrPoolClosed = errors.New("driver pool is closed")

// Pool bounds concurrent use of a data source. Connections are created
// lazily up to the configured size; callers beyond that block until a
// slot frees or their context expires.
//
// The pool size should be at least twice the total queue concurrency
// sharing it, otherwise queued-but-blocked work can hold every slot.
type Pool struct {
	log     logrus.FieldLogger
	factory func() (Driver, error)
	slots   chan Driver

	mu     sync.Mutex
	opened int
	size   int
	closed bool
}

// NewPool creates a connection pool of the given size
func NewPool(log logrus.FieldLogger, size int, factory func() (Driver, error)) *Pool {
	return &Pool{
		log:     log.WithField("component", "driver.pool"),
		factory: factory,
		slots:   make(chan Driver, size),
		size:    size,
	}
}

// Acquire returns a driver connection, blocking until one is available or
// the context is done.
func (p *Pool) Acquire(ctx context.Context) (Driver, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	// Open a fresh connection while below capacity
	if p.opened < p.size {
		p.opened++
		p.mu.Unlock()

		d, err := p.factory()
		if err != nil {
			p.mu.Lock()
			p.opened--
			p.mu.Unlock()

			return nil, fmt.Errorf("failed to open connection: %w", err)
		}

		return d, nil
	}
	p.mu.Unlock()

	select {
	case d, ok := <-p.slots:
		if !ok {
			return nil, ErrPoolClosed
		}
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release returns a connection to the pool. The send happens under the
// mutex: Close flips closed and closes the channel under the same lock,
// so an unlocked send could hit a freshly closed channel. The default
// arm keeps the send non-blocking.
func (p *Pool) Release(d Driver) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()

		if err := d.Close(); err != nil {
			p.log.WithError(err).Debug("Failed to close released connection")
		}

		return
	}

	select {
	case p.slots <- d:
		p.mu.Unlock()
	default:
		// Pool already full, drop the connection
		p.opened--
		p.mu.Unlock()

		if err := d.Close(); err != nil {
			p.log.WithError(err).Debug("Failed to close surplus connection")
		}
	}
}

// Size returns the configured pool capacity
func (p *Pool) Size() int {
	return p.size
}

// Close closes all pooled connections. In-flight connections are closed
// as they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	// Sends in Release hold the mutex, so closing under it cannot race
	// an in-flight send.
	close(p.slots)
	p.mu.Unlock()

	var firstErr error
	for d := range p.slots {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
