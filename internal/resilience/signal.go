package resilience

import (
	"regexp"
	"strings"
)

// Signal is a structured completion marker emitted by the assistant in
// its text output.
type Signal string

const (
	SignalNone     Signal = "none"
	SignalContinue Signal = "continue"
	SignalComplete Signal = "complete"
	SignalBlocked  Signal = "blocked"
	SignalError    Signal = "error"
)

// Terminal reports whether the signal ends the run.
func (s Signal) Terminal() bool {
	return s == SignalComplete || s == SignalBlocked || s == SignalError
}

// ParseSignal returns the valid Signal for raw, or SignalNone.
func ParseSignal(raw string) Signal {
	switch Signal(strings.ToLower(strings.TrimSpace(raw))) {
	case SignalContinue:
		return SignalContinue
	case SignalComplete:
		return SignalComplete
	case SignalBlocked:
		return SignalBlocked
	case SignalError:
		return SignalError
	default:
		return SignalNone
	}
}

var (
	completeRe = regexp.MustCompile(`(?i)\[TASK_COMPLETE\]`)
	blockedRe  = regexp.MustCompile(`(?i)\[BLOCKED:\s*([^\]]*)\]`)
	errorRe    = regexp.MustCompile(`(?i)\[ERROR:\s*([^\]]*)\]`)
	continueRe = regexp.MustCompile(`(?i)\[CONTINUE:\s*([^\]]*)\]`)
)

// DetectSignal scans text for bracket markers. Case-insensitive; when
// several markers are present the earliest occurrence wins. The second
// return value carries the reason/hint for blocked, error and continue.
func DetectSignal(text string) (Signal, string) {
	type hit struct {
		pos    int
		signal Signal
		detail string
	}
	var hits []hit

	if loc := completeRe.FindStringIndex(text); loc != nil {
		hits = append(hits, hit{loc[0], SignalComplete, ""})
	}
	for _, c := range []struct {
		re     *regexp.Regexp
		signal Signal
	}{
		{blockedRe, SignalBlocked},
		{errorRe, SignalError},
		{continueRe, SignalContinue},
	} {
		if loc := c.re.FindStringSubmatchIndex(text); loc != nil {
			detail := strings.TrimSpace(text[loc[2]:loc[3]])
			hits = append(hits, hit{loc[0], c.signal, detail})
		}
	}
	if len(hits) == 0 {
		return SignalNone, ""
	}
	best := hits[0]
	for _, h := range hits[1:] {
		if h.pos < best.pos {
			best = h
		}
	}
	return best.signal, best.detail
}
