package deadletter

import (
	"regexp"
	"time"
)

var (
	validationPattern = regexp.MustCompile(`(?i)validation|malformed|pars(e|ing)`)
	transientPattern  = regexp.MustCompile(`(?i)rate ?limit|timeout|connection`)
	permissionPattern = regexp.MustCompile(`(?i)permission|forbidden|unauthorized|missing access`)
)

// Classify maps an error message to a classification. Rules are checked in
// order and the first match wins.
func Classify(err error) Classification {
	if err == nil {
		return ClassUnknown
	}
	return classifyMessage(err.Error())
}

func classifyMessage(msg string) Classification {
	switch {
	case validationPattern.MatchString(msg):
		return ClassNonRetryable
	case transientPattern.MatchString(msg):
		return ClassRetryable
	case permissionPattern.MatchString(msg):
		return ClassNonRetryable
	default:
		return ClassUnknown
	}
}

// PoisonPillPattern marks an entry as a poison pill once Threshold failures
// land inside TimeWindow while its latest error matches ErrorPattern.
// JobTypePattern, when set, must also match the job name.
type PoisonPillPattern struct {
	Name           string
	ErrorPattern   *regexp.Regexp
	JobTypePattern *regexp.Regexp
	Threshold      int
	TimeWindow     time.Duration
}

// DefaultPatterns returns the built-in poison pill rules.
func DefaultPatterns() []PoisonPillPattern {
	return []PoisonPillPattern{
		{
			Name:         "validation",
			ErrorPattern: validationPattern,
			Threshold:    2,
			TimeWindow:   5 * time.Minute,
		},
		{
			Name:         "permission",
			ErrorPattern: permissionPattern,
			Threshold:    5,
			TimeWindow:   30 * time.Minute,
		},
		{
			Name:         "unknown-resource",
			ErrorPattern: regexp.MustCompile(`(?i)unknown (channel|guild|member|user|role|message|emoji|webhook)`),
			Threshold:    3,
			TimeWindow:   10 * time.Minute,
		},
		{
			Name:         "rate-limit",
			ErrorPattern: regexp.MustCompile(`(?i)rate ?limit`),
			Threshold:    10,
			TimeWindow:   time.Hour,
		},
		{
			Name:         "repeating",
			ErrorPattern: regexp.MustCompile(`.*`),
			Threshold:    8,
			TimeWindow:   time.Hour,
		},
	}
}

func (p PoisonPillPattern) matches(e Entry, now time.Time) bool {
	if !p.ErrorPattern.MatchString(e.FailureReason) {
		return false
	}
	if p.JobTypePattern != nil && !p.JobTypePattern.MatchString(e.JobData.Name) {
		return false
	}

	cutoff := now.Add(-p.TimeWindow)
	count := 0
	for _, rec := range e.ErrorHistory {
		if rec.Timestamp.After(cutoff) {
			count++
		}
	}
	return count >= p.Threshold
}
