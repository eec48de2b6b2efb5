package analysis

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Phase is a coarse step of an analysis job
type Phase int

const (
	PhasePreparing Phase = iota
	PhaseUploading
	PhaseStarting
	PhaseProcessing
	PhaseComplete
)

func (p Phase) String() string {
	switch p {
	case PhasePreparing:
		return "preparing"
	case PhaseUploading:
		return "uploading"
	case PhaseStarting:
		return "starting"
	case PhaseProcessing:
		return "processing"
	case PhaseComplete:
		return "complete"
	}
	return "unknown"
}

// Fixed percentages of each phase. Processing spans processingStart to
// processingEnd proportionally to the work done.
const (
	percentPreparing = 5
	percentUploading = 20
	percentStarting  = 40
	processingStart  = 40
	processingEnd    = 90
	percentComplete  = 100
)

// Progress is one structured progress report
type Progress struct {
	Phase   Phase  `json:"phase"`
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

// ProgressFunc receives progress reports; it may be called from any goroutine
type ProgressFunc func(Progress)

// NewProgress returns the report for a phase with its fixed percentage.
// Use Processing for the processing phase.
func NewProgress(phase Phase) Progress {
	p := Progress{Phase: phase}
	switch phase {
	case PhasePreparing:
		p.Percent = percentPreparing
	case PhaseUploading:
		p.Percent = percentUploading
	case PhaseStarting:
		p.Percent = percentStarting
	case PhaseProcessing:
		p.Percent = processingStart
	case PhaseComplete:
		p.Percent = percentComplete
	}
	return p
}

// Processing reports done out of total units of work
func Processing(done, total int) Progress {
	if total <= 0 {
		return NewProgress(PhaseProcessing)
	}
	return ProcessingFraction(float64(done) / float64(total))
}

// ProcessingFraction reports a processing fraction in 0..1
func ProcessingFraction(f float64) Progress {
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	return Progress{
		Phase:   PhaseProcessing,
		Percent: processingStart + int(f*float64(processingEnd-processingStart)),
	}
}

var processingPattern = regexp.MustCompile(`processing\s*\(\s*(\d+)\s*/\s*(\d+)\s*\)`)

// ParseProgress maps a free-text status string from older service versions
// to a structured report. Matching is case-insensitive; ok is false when the
// string carries no known phase.
func ParseProgress(status string) (Progress, bool) {
	s := strings.ToLower(strings.TrimSpace(status))
	if s == "" {
		return Progress{}, false
	}

	if m := processingPattern.FindStringSubmatch(s); m != nil {
		done, _ := strconv.Atoi(m[1])
		total, _ := strconv.Atoi(m[2])
		p := Processing(done, total)
		p.Message = status
		return p, true
	}

	var p Progress
	switch {
	case strings.Contains(s, "complete"):
		p = NewProgress(PhaseComplete)
	case strings.Contains(s, "processing"):
		p = NewProgress(PhaseProcessing)
	case strings.Contains(s, "starting"):
		p = NewProgress(PhaseStarting)
	case strings.Contains(s, "uploading"):
		p = NewProgress(PhaseUploading)
	case strings.Contains(s, "preparing"):
		p = NewProgress(PhasePreparing)
	default:
		return Progress{}, false
	}
	p.Message = status
	return p, true
}

func (p Progress) String() string {
	if p.Message != "" {
		return fmt.Sprintf("%s %d%% (%s)", p.Phase, p.Percent, p.Message)
	}
	return fmt.Sprintf("%s %d%%", p.Phase, p.Percent)
}

func report(fn ProgressFunc, p Progress) {
	if fn != nil {
		fn(p)
	}
}
