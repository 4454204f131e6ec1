package flow

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gocarina/gocsv"
)

// exportRow is the tabular shape of one exported point. Time is seconds
// since the first point of the session, not device milliseconds, so exports
// from different sessions line up for comparison.
type exportRow struct {
	Time   float64 `csv:"Time(s)"`
	Rate   float64 `csv:"FlowRate(L/min)"`
	Volume float64 `csv:"TotalVolume(L)"`
	Status string  `csv:"Status"`
}

// WriteCSV serialises the points to w with a header row.
func WriteCSV(w io.Writer, points []Point) error {
	rows := make([]exportRow, len(points))
	var base float64
	if len(points) > 0 {
		base = float64(points[0].Time.UnixNano())
	}
	for i, p := range points {
		// The rate column carries the device-reported value, not the
		// host-smoothed one: exports feed external analysis, which does
		// its own smoothing.
		rows[i] = exportRow{
			Time:   (float64(p.Time.UnixNano()) - base) / 1e9,
			Rate:   p.Raw,
			Volume: p.Volume,
			Status: string(p.Status),
		}
	}
	return gocsv.Marshal(&rows, w)
}

// ExportCSV writes the points to path. The file is written to a temporary
// sibling and renamed into place, so an I/O failure never leaves a
// truncated export behind and never touches the in-memory series.
func ExportCSV(path string, points []Point) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".export-*.csv")
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	tmpName := tmp.Name()

	if err := WriteCSV(tmp, points); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close export file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to finalize export: %w", err)
	}
	return nil
}
