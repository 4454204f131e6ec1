package flow

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Reject reasons returned by Parser.Parse. Callers match with errors.Is;
// the acquisition loop counts them and moves on.
var (
	ErrFieldCount  = errors.New("wrong field count")
	ErrNotNumeric  = errors.New("non-numeric field")
	ErrNegative    = errors.New("negative value")
	ErrEmptyFrame  = errors.New("empty frame")
	ErrBannerFrame = errors.New("banner text")
)

// bannerPrefixes are startup/boilerplate lines the firmware prints before
// and between measurements. They are expected noise, not protocol errors.
var bannerPrefixes = []string{"===", "---", "Time", "CSV", "Arduino", "Initializing", "System", "Starting"}

// Parser turns one wire frame into a Sample. It is a pure value: Parse has
// no side effects and a zero Parser is not usable, construct with NewParser.
type Parser struct {
	delimiter string
	minFields int
}

// NewParser returns a Parser for the given delimiter and minimum field
// count. minFields below 4 is raised to 4: device time, flow rate, volume
// and status are always required. The two trailing pulse diagnostics are
// optional because older firmware never sends them.
func NewParser(delimiter string, minFields int) *Parser {
	if delimiter == "" {
		delimiter = ","
	}
	if minFields < 4 {
		minFields = 4
	}
	return &Parser{delimiter: delimiter, minFields: minFields}
}

// Parse validates one raw line and returns the typed Sample. A non-nil error
// is a rejection, never fatal: wrap of ErrFieldCount, ErrNotNumeric,
// ErrNegative, ErrEmptyFrame or ErrBannerFrame.
func (p *Parser) Parse(line string) (Sample, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Sample{}, ErrEmptyFrame
	}
	for _, prefix := range bannerPrefixes {
		if strings.HasPrefix(line, prefix) {
			return Sample{}, fmt.Errorf("%w: %q", ErrBannerFrame, line)
		}
	}

	fields := strings.Split(line, p.delimiter)
	if len(fields) < p.minFields {
		return Sample{}, fmt.Errorf("%w: got %d, want at least %d", ErrFieldCount, len(fields), p.minFields)
	}

	deviceTime, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: device_time %q", ErrNotNumeric, fields[0])
	}
	if deviceTime < 0 {
		return Sample{}, fmt.Errorf("%w: device_time %d", ErrNegative, deviceTime)
	}

	flowRate, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: flow_rate %q", ErrNotNumeric, fields[1])
	}
	if flowRate < 0 {
		return Sample{}, fmt.Errorf("%w: flow_rate %g", ErrNegative, flowRate)
	}

	volume, err := strconv.ParseFloat(strings.TrimSpace(fields[2]), 64)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: cumulative_volume %q", ErrNotNumeric, fields[2])
	}
	if volume < 0 {
		return Sample{}, fmt.Errorf("%w: cumulative_volume %g", ErrNegative, volume)
	}

	rawStatus := strings.TrimSpace(fields[3])
	s := Sample{
		DeviceTime:       deviceTime,
		FlowRate:         flowRate,
		CumulativeVolume: volume,
		Status:           ParseStatusTag(rawStatus),
		RawStatus:        rawStatus,
	}

	if len(fields) > 4 {
		pulses, err := strconv.ParseInt(strings.TrimSpace(fields[4]), 10, 64)
		if err != nil {
			return Sample{}, fmt.Errorf("%w: current_pulses %q", ErrNotNumeric, fields[4])
		}
		if pulses < 0 {
			return Sample{}, fmt.Errorf("%w: current_pulses %d", ErrNegative, pulses)
		}
		s.PulseCount = pulses
		s.HasPulses = true
	}
	if len(fields) > 5 {
		total, err := strconv.ParseInt(strings.TrimSpace(fields[5]), 10, 64)
		if err != nil {
			return Sample{}, fmt.Errorf("%w: total_pulses %q", ErrNotNumeric, fields[5])
		}
		if total < 0 {
			return Sample{}, fmt.Errorf("%w: total_pulses %d", ErrNegative, total)
		}
		s.TotalPulses = total
	}

	return s, nil
}
