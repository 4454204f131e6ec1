package flow

import (
	"bytes"
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/flowmeter/internal/monitoring"
	"github.com/banshee-data/flowmeter/internal/serialport"
)

// ErrNotRunning is returned by control calls issued before Run has started
// or after it has stopped.
var ErrNotRunning = errors.New("monitor is not running")

// ErrAlreadyConnected is returned by Connect while a session is open.
var ErrAlreadyConnected = errors.New("already connected")

// DefaultReadTimeout bounds each port read so cancellation is observed
// promptly even on ports that cannot be unblocked by Close.
const DefaultReadTimeout = time.Second

// Archiver persists accepted points per session. The db package implements
// it; a nil Archiver disables archiving. Archive failures are logged and
// never stall ingestion.
type Archiver interface {
	StartSession(port string) (string, error)
	RecordPoint(sessionID string, p Point) error
	EndSession(sessionID string) error
}

// MonitorConfig carries the tunables for a Monitor. Zero values fall back
// to the package defaults.
type MonitorConfig struct {
	PortOptions  serialport.Options
	WindowSize   int
	Capacity     int
	StaleTimeout time.Duration
	ReadTimeout  time.Duration
	Delimiter    string
	MinFields    int
}

// Monitor is the acquisition loop. It owns the port handle, drives
// parser, filter, liveness tracker and series store, and is the sole writer
// of connection state. All control arrives as a request into the loop
// goroutine; consumers read via snapshots and the subscriber channels.
type Monitor struct {
	factory  serialport.Factory
	parser   *Parser
	series   *Series
	live     *Liveness
	archiver Archiver
	cfg      MonitorConfig

	commands chan command
	done     chan struct{}

	rejected atomic.Uint64

	subscriberMu sync.Mutex
	subscribers  map[string]chan Point
}

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdDisconnect
	cmdReset
	cmdExport
)

type command struct {
	kind  commandKind
	port  string
	path  string
	reply chan error
}

// NewMonitor builds a Monitor over the given port factory. archiver may be
// nil.
func NewMonitor(factory serialport.Factory, archiver Archiver, cfg MonitorConfig) *Monitor {
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = DefaultStaleTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	return &Monitor{
		factory:     factory,
		parser:      NewParser(cfg.Delimiter, cfg.MinFields),
		series:      NewSeries(cfg.Capacity),
		live:        NewLiveness(cfg.StaleTimeout),
		archiver:    archiver,
		cfg:         cfg,
		commands:    make(chan command),
		done:        make(chan struct{}),
		subscribers: make(map[string]chan Point),
	}
}

// session is the loop-private state of one connection. Only the Run
// goroutine touches it.
type session struct {
	port       serialport.Porter
	portName   string
	cancel     context.CancelFunc
	lines      chan string
	readErrs   chan error
	filter     *MovingAverage
	lastVolume float64
	haveVolume bool
	lastDevice int64
	haveDevice bool
	sawBytes   bool
	archiveID  string
}

// Run processes commands and port input until ctx is cancelled. It must be
// started before any control method is called.
func (m *Monitor) Run(ctx context.Context) error {
	defer close(m.done)
	defer m.closeSubscribers()

	var sess *session

	staleTick := time.NewTicker(m.cfg.StaleTimeout / 2)
	defer staleTick.Stop()
	wasStale := false

	// nil channels block forever, so selecting on them while disconnected
	// is safe.
	var lines chan string
	var readErrs chan error

	for {
		if sess != nil {
			lines = sess.lines
			readErrs = sess.readErrs
		} else {
			lines = nil
			readErrs = nil
		}

		select {
		case <-ctx.Done():
			if sess != nil {
				m.teardown(sess, false, "shutdown")
			}
			return ctx.Err()

		case cmd := <-m.commands:
			switch cmd.kind {
			case cmdConnect:
				if sess != nil {
					cmd.reply <- ErrAlreadyConnected
					continue
				}
				next, err := m.connect(ctx, cmd.port)
				if err != nil {
					cmd.reply <- err
					continue
				}
				sess = next
				cmd.reply <- nil

			case cmdDisconnect:
				if sess != nil {
					m.teardown(sess, false, "user requested disconnect")
					sess = nil
				}
				cmd.reply <- nil

			case cmdReset:
				m.series.Reset()
				if sess != nil {
					sess.filter.Reset()
					sess.haveVolume = false
					sess.archiveID = m.rotateArchive(sess)
				}
				cmd.reply <- nil

			case cmdExport:
				cmd.reply <- ExportCSV(cmd.path, m.series.Snapshot())
			}

		case line, ok := <-lines:
			if !ok {
				// Reader exited without an error: the stream ended.
				m.teardown(sess, true, "serial stream ended")
				sess = nil
				continue
			}
			m.handleLine(sess, line)

		case err := <-readErrs:
			m.teardown(sess, true, fmt.Sprintf("read failed: %v", err))
			sess = nil

		case <-staleTick.C:
			// Staleness is computed on demand; the tick only logs the
			// transition so a hung device is visible without a status poll.
			stale := m.live.Status(time.Now()) == StatusConnectedStale
			if stale && !wasStale {
				monitoring.Logf("no valid samples for %s, marking data stale", m.cfg.StaleTimeout)
			}
			wasStale = stale
		}
	}
}

// connect opens the port and starts its reader. The transport stays in
// Connecting until the first bytes arrive from the device.
func (m *Monitor) connect(ctx context.Context, portName string) (*session, error) {
	m.live.SetConnecting()

	port, err := m.factory.Open(portName, m.cfg.PortOptions)
	if err != nil {
		reason := fmt.Sprintf("failed to open %s: %v", portName, err)
		m.live.SetDisconnected(false, reason)
		return nil, fmt.Errorf("failed to open %s: %w", portName, err)
	}

	if tp, ok := port.(serialport.TimeoutPorter); ok {
		if err := tp.SetReadTimeout(m.cfg.ReadTimeout); err != nil {
			monitoring.Logf("failed to set read timeout on %s: %v", portName, err)
		}
	}

	readerCtx, cancel := context.WithCancel(ctx)
	sess := &session{
		port:     port,
		portName: portName,
		cancel:   cancel,
		lines:    make(chan string),
		readErrs: make(chan error, 1),
		filter:   NewMovingAverage(m.cfg.WindowSize),
	}

	// A connection starts a new session: fresh series, fresh volume base.
	m.series.Reset()
	if m.archiver != nil {
		id, err := m.archiver.StartSession(portName)
		if err != nil {
			monitoring.Logf("failed to start archive session: %v", err)
		} else {
			sess.archiveID = id
		}
	}

	go readLines(readerCtx, port, sess.lines, sess.readErrs)

	monitoring.Logf("opened %s, waiting for device output", portName)
	return sess, nil
}

// teardown closes the session's port and reader and records the disconnect
// reason. It is the single exit path for a connection, shared by user
// disconnects, read failures and shutdown.
func (m *Monitor) teardown(sess *session, abnormal bool, reason string) {
	sess.cancel()
	if err := sess.port.Close(); err != nil {
		monitoring.Logf("failed to close %s: %v", sess.portName, err)
	}
	m.live.SetDisconnected(abnormal, reason)
	if m.archiver != nil && sess.archiveID != "" {
		if err := m.archiver.EndSession(sess.archiveID); err != nil {
			monitoring.Logf("failed to end archive session: %v", err)
		}
	}
	if abnormal {
		monitoring.Logf("connection to %s lost: %s", sess.portName, reason)
	} else {
		monitoring.Logf("disconnected from %s: %s", sess.portName, reason)
	}
}

// rotateArchive ends the current archive session and starts a new one, used
// by reset so re-based volume tracking maps to a fresh session row.
func (m *Monitor) rotateArchive(sess *session) string {
	if m.archiver == nil {
		return ""
	}
	if sess.archiveID != "" {
		if err := m.archiver.EndSession(sess.archiveID); err != nil {
			monitoring.Logf("failed to end archive session: %v", err)
		}
	}
	id, err := m.archiver.StartSession(sess.portName)
	if err != nil {
		monitoring.Logf("failed to start archive session: %v", err)
		return ""
	}
	return id
}

// handleLine runs one frame through parser, validation, filter and store.
// Rejections increment the diagnostic counter and never stop ingestion.
func (m *Monitor) handleLine(sess *session, line string) {
	if !sess.sawBytes {
		sess.sawBytes = true
		m.live.SetConnected(time.Now())
		monitoring.Logf("device on %s is talking, connection established", sess.portName)
	}

	sample, err := m.parser.Parse(line)
	if err != nil {
		if !errors.Is(err, ErrEmptyFrame) && !errors.Is(err, ErrBannerFrame) {
			m.rejected.Add(1)
			monitoring.Logf("rejected frame %q: %v", line, err)
		}
		return
	}

	// A device clock going backwards means the firmware rebooted. That is a
	// discontinuity, not an error: re-base volume tracking and carry on.
	if sess.haveDevice && sample.DeviceTime < sess.lastDevice {
		monitoring.Logf("device clock moved backwards (%d -> %d), assuming device reset", sess.lastDevice, sample.DeviceTime)
		sess.haveVolume = false
	}
	sess.lastDevice = sample.DeviceTime
	sess.haveDevice = true

	if sess.haveVolume && sample.CumulativeVolume < sess.lastVolume {
		m.rejected.Add(1)
		monitoring.Logf("rejected frame %q: cumulative volume decreased (%g -> %g)", line, sess.lastVolume, sample.CumulativeVolume)
		return
	}
	sess.lastVolume = sample.CumulativeVolume
	sess.haveVolume = true

	now := time.Now()
	point := Point{
		Time:     now,
		Raw:      sample.FlowRate,
		Smoothed: sess.filter.Push(sample.FlowRate),
		Volume:   sample.CumulativeVolume,
		Status:   sample.Status,
	}
	m.series.Append(point)
	m.live.ObserveSample(now)

	if m.archiver != nil && sess.archiveID != "" {
		if err := m.archiver.RecordPoint(sess.archiveID, point); err != nil {
			monitoring.Logf("failed to archive point: %v", err)
		}
	}

	m.broadcast(point)
}

// broadcast fans an accepted point out to subscribers without blocking: a
// slow consumer misses points rather than stalling the loop.
func (m *Monitor) broadcast(p Point) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	for _, ch := range m.subscribers {
		select {
		case ch <- p:
		default:
		}
	}
}

// randomID generates a random subscriber ID (8 byte random hex encoded value).
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe creates a channel receiving accepted points. The returned ID
// identifies the channel for Unsubscribe.
func (m *Monitor) Subscribe() (string, chan Point) {
	id := randomID()
	ch := make(chan Point, 16)
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	m.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel.
func (m *Monitor) Unsubscribe(id string) {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	if ch, ok := m.subscribers[id]; ok {
		close(ch)
		delete(m.subscribers, id)
	}
}

func (m *Monitor) closeSubscribers() {
	m.subscriberMu.Lock()
	defer m.subscriberMu.Unlock()
	for id, ch := range m.subscribers {
		close(ch)
		delete(m.subscribers, id)
	}
}

// request submits a command to the loop and waits for its reply.
func (m *Monitor) request(cmd command) error {
	select {
	case m.commands <- cmd:
	case <-m.done:
		return ErrNotRunning
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-m.done:
		return ErrNotRunning
	}
}

// Connect opens the named port and starts ingesting. It fails if already
// connected or if the port cannot be opened; failures are never retried
// automatically.
func (m *Monitor) Connect(port string) error {
	port = strings.TrimSpace(port)
	if port == "" {
		return errors.New("port is required")
	}
	return m.request(command{kind: cmdConnect, port: port, reply: make(chan error, 1)})
}

// Disconnect closes the current connection. Idempotent: disconnecting an
// already-disconnected monitor is a no-op.
func (m *Monitor) Disconnect() error {
	return m.request(command{kind: cmdDisconnect, reply: make(chan error, 1)})
}

// Reset clears the series store and re-bases cumulative volume tracking
// without touching the transport connection.
func (m *Monitor) Reset() error {
	return m.request(command{kind: cmdReset, reply: make(chan error, 1)})
}

// Export writes the current series to path as CSV.
func (m *Monitor) Export(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("path is required")
	}
	return m.request(command{kind: cmdExport, path: path, reply: make(chan error, 1)})
}

// Snapshot returns an isolated copy of the current series.
func (m *Monitor) Snapshot() []Point { return m.series.Snapshot() }

// Status returns the combined transport and freshness status.
func (m *Monitor) Status() Status { return m.live.Status(time.Now()) }

// Abnormal reports whether the last disconnect was an I/O failure, with the
// attached reason.
func (m *Monitor) Abnormal() (bool, string) { return m.live.Abnormal() }

// Rejected returns the count of frames dropped by parsing or validation.
func (m *Monitor) Rejected() uint64 { return m.rejected.Load() }

// Stats summarises the current series for status displays.
func (m *Monitor) Stats() Stats { return m.series.Stats() }

// ListPorts enumerates candidate serial ports when the factory supports it.
func (m *Monitor) ListPorts() ([]string, error) {
	if l, ok := m.factory.(serialport.Lister); ok {
		return l.ListPorts()
	}
	return nil, errors.New("port enumeration not supported")
}

// readLines reads the port and sends complete lines to lines until the
// context is cancelled or the read fails. Reads returning no data (a read
// timeout tick) just loop, which is what bounds cancellation latency. The
// lines channel is closed on exit.
func readLines(ctx context.Context, port serialport.Porter, lines chan<- string, readErrs chan<- error) {
	defer close(lines)

	var pending []byte
	chunk := make([]byte, 256)

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := port.Read(chunk)
		if n > 0 {
			pending = append(pending, chunk[:n]...)
			for {
				i := bytes.IndexByte(pending, '\n')
				if i < 0 {
					break
				}
				line := strings.TrimRight(string(pending[:i]), "\r")
				pending = pending[i+1:]
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
		}
		if err != nil {
			select {
			case readErrs <- err:
			case <-ctx.Done():
			}
			return
		}
	}
}
