package serialport

import (
	"io"
	"time"
)

// ReplayPort emits canned telemetry lines on a fixed cadence. It backs the
// daemon's dev mode so the full pipeline can run without hardware attached.
type ReplayPort struct {
	reader *io.PipeReader
	writer *io.PipeWriter
	done   chan struct{}
}

// NewReplayPort starts a port that writes each line in turn every interval,
// looping back to the first line after the last.
func NewReplayPort(lines []string, interval time.Duration) *ReplayPort {
	r, w := io.Pipe()
	p := &ReplayPort{reader: r, writer: w, done: make(chan struct{})}

	go func() {
		defer w.Close()
		if len(lines) == 0 {
			<-p.done
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		i := 0
		for {
			select {
			case <-ticker.C:
				if _, err := io.WriteString(w, lines[i]+"\n"); err != nil {
					return
				}
				i = (i + 1) % len(lines)
			case <-p.done:
				return
			}
		}
	}()

	return p
}

func (p *ReplayPort) Read(buf []byte) (int, error) { return p.reader.Read(buf) }

// Write discards commands; the replay device has nobody listening.
func (p *ReplayPort) Write(buf []byte) (int, error) { return len(buf), nil }

// Close stops the generator and unblocks pending reads.
func (p *ReplayPort) Close() error {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	return p.reader.Close()
}

// ReplayFactory hands out ReplayPorts regardless of the requested path.
type ReplayFactory struct {
	Lines    []string
	Interval time.Duration
}

// Open returns a fresh ReplayPort. The path and options are ignored.
func (f ReplayFactory) Open(path string, opts Options) (Porter, error) {
	interval := f.Interval
	if interval <= 0 {
		interval = time.Second
	}
	return NewReplayPort(f.Lines, interval), nil
}
