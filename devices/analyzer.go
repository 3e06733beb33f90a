package devices

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"leakbench/types"
)

var analyzerLine = regexp.MustCompile(`He\s+(\d+\.\d+)\s*%\s*O2\s+(\d+\.\d+)\s*%\s*Ti\s+(\d+\.\d+)\s*~C\s+(\d+\.\d+)\s*hPa\s+(\d{4}/\d{2}/\d{2}\s+\d{2}:\d{2}:\d{2})`)

type AnalyzerReading struct {
	Helium      float64   `json:"helium"`      // %
	Oxygen      float64   `json:"oxygen"`      // %
	Temperature float64   `json:"temperature"` // °C
	Pressure    float64   `json:"pressure"`    // hPa
	Time        time.Time `json:"time"`
}

func ParseAnalyzerLine(line string) (AnalyzerReading, error) {
	m := analyzerLine.FindStringSubmatch(line)
	if m == nil {
		return AnalyzerReading{}, fmt.Errorf("%w: analyzer line %q", types.ErrMalformedResponse, line)
	}
	var r AnalyzerReading
	for i, dst := range []*float64{&r.Helium, &r.Oxygen, &r.Temperature, &r.Pressure} {
		v, err := strconv.ParseFloat(m[i+1], 64)
		if err != nil {
			return AnalyzerReading{}, fmt.Errorf("%w: analyzer field %q", types.ErrMalformedResponse, m[i+1])
		}
		*dst = v
	}
	ts, err := time.ParseInLocation("2006/01/02 15:04:05", strings.Join(strings.Fields(m[5]), " "), time.Local)
	if err != nil {
		return AnalyzerReading{}, fmt.Errorf("%w: analyzer timestamp %q", types.ErrMalformedResponse, m[5])
	}
	r.Time = ts
	return r, nil
}

// Analyzer reads the helium analyzer, which streams one line per second.
type Analyzer struct {
	link   *Link
	mu     sync.Mutex
	window time.Duration
}

func NewAnalyzer(link *Link, window time.Duration) *Analyzer {
	return &Analyzer{link: link, window: window}
}

func (a *Analyzer) Link() *Link { return a.link }

// ReadLatest listens for one window and returns the last complete line
// that parses.
func (a *Analyzer) ReadLatest() (AnalyzerReading, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	data, err := a.link.ReadFor(a.window)
	if err != nil {
		return AnalyzerReading{}, err
	}
	if len(data) == 0 {
		return AnalyzerReading{}, types.WrapDevice(types.HeliumAnalyzer, "read", types.ErrTimeout)
	}
	lines := strings.FieldsFunc(string(data), func(r rune) bool { return r == '\r' || r == '\n' })
	for i := len(lines) - 1; i >= 0; i-- {
		if r, err := ParseAnalyzerLine(lines[i]); err == nil {
			return r, nil
		}
	}
	return AnalyzerReading{}, types.WrapDevice(types.HeliumAnalyzer, "read", fmt.Errorf("%w: no complete line in %d bytes", types.ErrMalformedResponse, len(data)))
}

func (a *Analyzer) Close() error { return a.link.Close() }
