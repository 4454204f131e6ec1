package serialport

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"
)

// TestablePort implements Porter with configurable behaviour for tests:
// scripted reads, injected errors, latency, and blocking reads that wake on
// new data or Close.
type TestablePort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls.
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port.
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set.
	ReadError error

	// WriteError is returned by the next Write call if set.
	WriteError error

	// CloseError is returned by Close if set.
	CloseError error

	// Closed indicates whether Close was called.
	Closed bool

	// ReadCalls and WriteCalls count invocations.
	ReadCalls  int
	WriteCalls int

	// ReadTimeout is the most recent value passed to SetReadTimeout.
	ReadTimeout time.Duration

	// BlockReads causes Read to block until data arrives or Close is
	// called, which is how a real port behaves between frames.
	BlockReads bool

	readCond *sync.Cond
}

// NewTestablePort returns an empty TestablePort.
func NewTestablePort() *TestablePort {
	p := &TestablePort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	p.readCond = sync.NewCond(&p.mu)
	return p
}

// Read reads from the read buffer, honouring injected errors and blocking
// semantics.
func (p *TestablePort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ReadCalls++

	if p.Closed {
		return 0, errors.New("serial port closed")
	}
	if p.ReadError != nil {
		err := p.ReadError
		p.ReadError = nil
		return 0, err
	}

	if p.BlockReads && p.ReadBuffer.Len() == 0 {
		for !p.Closed && p.ReadBuffer.Len() == 0 && p.ReadError == nil {
			p.readCond.Wait()
		}
		if p.Closed {
			return 0, io.EOF
		}
		if p.ReadError != nil {
			err := p.ReadError
			p.ReadError = nil
			return 0, err
		}
	}

	return p.ReadBuffer.Read(buf)
}

// Write appends to the write buffer, honouring injected errors.
func (p *TestablePort) Write(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.WriteCalls++

	if p.Closed {
		return 0, errors.New("serial port closed")
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}
	return p.WriteBuffer.Write(buf)
}

// Close marks the port closed and wakes blocked readers.
func (p *TestablePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	p.readCond.Broadcast()
	return p.CloseError
}

// SetReadTimeout implements TimeoutPorter.
func (p *TestablePort) SetReadTimeout(timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadTimeout = timeout
	return nil
}

// FeedLine appends one frame plus newline to the read buffer and wakes a
// blocked reader.
func (p *TestablePort) FeedLine(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadBuffer.WriteString(line)
	p.ReadBuffer.WriteByte('\n')
	p.readCond.Signal()
}

// FailNextRead injects an error into the next Read, waking a blocked
// reader so the failure is observed promptly.
func (p *TestablePort) FailNextRead(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReadError = err
	p.readCond.Broadcast()
}

// WrittenData returns everything written to the port so far.
func (p *TestablePort) WrittenData() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.WriteBuffer.String()
}

// MockFactory implements Factory for tests and records Open calls.
type MockFactory struct {
	mu sync.Mutex

	// Port is returned from Open when Error is nil.
	Port Porter

	// Error is returned by Open if set.
	Error error

	// Ports is returned by ListPorts.
	Ports []string

	// OpenCalls records every Open invocation.
	OpenCalls []MockOpenCall
}

// MockOpenCall records the arguments of one Open call.
type MockOpenCall struct {
	Path string
	Opts Options
}

// NewMockFactory returns a factory that hands out the given port.
func NewMockFactory(port Porter) *MockFactory {
	return &MockFactory{Port: port}
}

// Open returns the configured port or error.
func (f *MockFactory) Open(path string, opts Options) (Porter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Opts: opts})
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Port, nil
}

// ListPorts implements Lister.
func (f *MockFactory) ListPorts() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Ports, nil
}

// LastCall returns the most recent Open call, or nil if none.
func (f *MockFactory) LastCall() *MockOpenCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.OpenCalls) == 0 {
		return nil
	}
	return &f.OpenCalls[len(f.OpenCalls)-1]
}
