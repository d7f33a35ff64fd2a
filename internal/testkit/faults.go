package testkit

import (
	"errors"
	"io"
	"sync"
)

var ErrInjectedFault = errors.New("injected fault")

// ErrorReader wraps an io.Reader and returns an error after returning N bytes.
type ErrorReader struct {
	r     io.Reader
	limit int64
	read  int64
	err   error
}

// NewErrorReader returns a reader that will inject the given error after reading 'limit' bytes.
// If err is nil, ErrInjectedFault is used.
func NewErrorReader(r io.Reader, limit int64, err error) *ErrorReader {
	if err == nil {
		err = ErrInjectedFault
	}
	return &ErrorReader{
		r:     r,
		limit: limit,
		err:   err,
	}
}

func (e *ErrorReader) Read(p []byte) (n int, err error) {
	if e.read >= e.limit {
		return 0, e.err
	}

	space := e.limit - e.read
	if int64(len(p)) > space {
		p = p[:space]
	}

	n, err = e.r.Read(p)
	e.read += int64(n)

	if err != nil {
		return n, err
	}

	if e.read >= e.limit {
		return n, e.err
	}

	return n, nil
}

// PauseReader wraps an io.Reader and blocks the Read call until the Unpause channel is closed.
type PauseReader struct {
	r       io.Reader
	unpause chan struct{}
}

// NewPauseReader returns a reader that stalls.
func NewPauseReader(r io.Reader) (*PauseReader, func()) {
	ch := make(chan struct{})
	return &PauseReader{
		r:       r,
		unpause: ch,
	}, func() { close(ch) }
}

func (p *PauseReader) Read(b []byte) (n int, err error) {
	<-p.unpause
	return p.r.Read(b)
}

// Countdown injects a fault on every call after the first n succeed. It is
// safe for concurrent use.
type Countdown struct {
	mu   sync.Mutex
	left int
	err  error
}

// NewCountdown returns a Countdown allowing n calls. If err is nil,
// ErrInjectedFault is used.
func NewCountdown(n int, err error) *Countdown {
	if err == nil {
		err = ErrInjectedFault
	}
	return &Countdown{left: n, err: err}
}

// Tick consumes one call and returns the injected error once the budget is spent.
func (c *Countdown) Tick() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.left <= 0 {
		return c.err
	}
	c.left--
	return nil
}
