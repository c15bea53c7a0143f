package serialport

import (
	"errors"
	"sync"
)

// ErrMockOpen is the default error returned by MockOpener failures.
var ErrMockOpen = errors.New("mock: device not present")

// TestablePort implements SerialPorter with scripted behaviour for tests.
type TestablePort struct {
	mu sync.Mutex

	writes []string

	// WriteErrors are returned by successive Write calls; a nil entry lets
	// that write succeed.
	WriteErrors []error

	// Hang makes Write block until the port is closed.
	Hang bool

	// CloseError is returned by Close if set.
	CloseError error

	closed     bool
	closeCalls int
	closeCh    chan struct{}
}

// NewTestablePort creates an open TestablePort.
func NewTestablePort() *TestablePort {
	return &TestablePort{closeCh: make(chan struct{})}
}

// Write records p as one command.
func (p *TestablePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPortClosed
	}
	if p.Hang {
		ch := p.closeChLocked()
		p.mu.Unlock()
		<-ch
		return 0, ErrPortClosed
	}
	defer p.mu.Unlock()

	if len(p.WriteErrors) > 0 {
		err := p.WriteErrors[0]
		p.WriteErrors = p.WriteErrors[1:]
		if err != nil {
			return 0, err
		}
	}
	p.writes = append(p.writes, string(b))
	return len(b), nil
}

// Close marks the port closed and unblocks hung writers.
func (p *TestablePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeCalls++
	if !p.closed {
		p.closed = true
		close(p.closeChLocked())
	}
	return p.CloseError
}

func (p *TestablePort) closeChLocked() chan struct{} {
	if p.closeCh == nil {
		p.closeCh = make(chan struct{})
	}
	return p.closeCh
}

// FailNextWrites queues errs for the next writes.
func (p *TestablePort) FailNextWrites(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.WriteErrors = append(p.WriteErrors, errs...)
}

// Writes returns a copy of every successfully written command.
func (p *TestablePort) Writes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.writes...)
}

// Closed reports whether Close has been called.
func (p *TestablePort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// CloseCalls returns how many times Close was called.
func (p *TestablePort) CloseCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeCalls
}

// MockOpener implements Opener for tests. The first Failures calls to Open
// fail with Err; later calls return a fresh TestablePort (or the result of
// NewPort when set).
type MockOpener struct {
	mu sync.Mutex

	Failures int
	Err      error
	NewPort  func() *TestablePort

	calls []MockOpenCall
	ports []*TestablePort
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path    string
	Options PortOptions
	Err     error
}

// Open records the call and returns the scripted result.
func (o *MockOpener) Open(path string, opts PortOptions) (SerialPorter, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.Failures > 0 {
		o.Failures--
		err := o.Err
		if err == nil {
			err = ErrMockOpen
		}
		o.calls = append(o.calls, MockOpenCall{Path: path, Options: opts, Err: err})
		return nil, err
	}

	var port *TestablePort
	if o.NewPort != nil {
		port = o.NewPort()
	} else {
		port = NewTestablePort()
	}
	o.calls = append(o.calls, MockOpenCall{Path: path, Options: opts})
	o.ports = append(o.ports, port)
	return port, nil
}

// SetFailures makes the next n Open calls fail.
func (o *MockOpener) SetFailures(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Failures = n
}

// Calls returns a copy of recorded Open calls.
func (o *MockOpener) Calls() []MockOpenCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]MockOpenCall(nil), o.calls...)
}

// Ports returns every port handed out so far, oldest first.
func (o *MockOpener) Ports() []*TestablePort {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*TestablePort(nil), o.ports...)
}

// Last returns the most recently opened port, or nil.
func (o *MockOpener) Last() *TestablePort {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.ports) == 0 {
		return nil
	}
	return o.ports[len(o.ports)-1]
}

// AllWrites concatenates the writes of every opened port in open order.
func (o *MockOpener) AllWrites() []string {
	var out []string
	for _, p := range o.Ports() {
		out = append(out, p.Writes()...)
	}
	return out
}
