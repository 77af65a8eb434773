// Package classify decides whether device output means an operation
// succeeded, failed, or has not finished yet.
//
// Matching is case-insensitive substring search over the whole buffer
// accumulated for one command, so markers that arrive in separate reads
// still count. Failure phrases are checked before success phrases.
package classify

import (
	"strings"
	"time"

	"github.com/newtron-network/newtlife/pkg/session"
)

// Mode selects how success phrases combine.
type Mode string

const (
	// ModeAny succeeds when any one success phrase appears.
	ModeAny Mode = "any"
	// ModeAll succeeds once every success phrase has appeared, in any order.
	ModeAll Mode = "all"
)

// PatternSet is the set of markers for one operation on one model family.
type PatternSet struct {
	Mode    Mode          `yaml:"mode"`
	Success []string      `yaml:"success"`
	Failure []string      `yaml:"failure,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Kind is the verdict category.
type Kind int

const (
	Pending Kind = iota
	Succeeded
	Failed
	Ambiguous
)

func (k Kind) String() string {
	switch k {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Ambiguous:
		return "ambiguous"
	default:
		return "unknown"
	}
}

// Verdict is the classification of a buffer.
type Verdict struct {
	Kind Kind
	// Phrase is the success phrase that matched (all phrases joined with
	// ", " in ModeAll) or the failure phrase that was found.
	Phrase string
	// Reason explains Failed and Ambiguous verdicts.
	Reason string
}

// Classify evaluates buffer against set.
func Classify(buffer string, set PatternSet) Verdict {
	lower := strings.ToLower(buffer)

	for _, phrase := range set.Failure {
		if phrase != "" && strings.Contains(lower, strings.ToLower(phrase)) {
			return Verdict{Kind: Failed, Phrase: phrase, Reason: "device reported: " + phrase}
		}
	}

	if len(set.Success) == 0 {
		return Verdict{Kind: Pending}
	}

	if set.Mode == ModeAll {
		for _, phrase := range set.Success {
			if !strings.Contains(lower, strings.ToLower(phrase)) {
				return Verdict{Kind: Pending}
			}
		}
		return Verdict{Kind: Succeeded, Phrase: strings.Join(set.Success, ", ")}
	}

	for _, phrase := range set.Success {
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return Verdict{Kind: Succeeded, Phrase: phrase}
		}
	}
	return Verdict{Kind: Pending}
}

// Finalize converts a verdict that is still Pending after the command's
// timeout into Ambiguous. Other verdicts are returned unchanged.
func Finalize(v Verdict, timedOut bool) Verdict {
	if v.Kind == Pending && timedOut {
		return Verdict{Kind: Ambiguous, Reason: "no success or failure marker before timeout; manual verification required"}
	}
	return v
}

// Until adapts set into a session.Matcher that completes on any verdict
// other than Pending, so a reported failure ends the wait early.
func Until(set PatternSet) session.Matcher {
	return func(buffer string) bool {
		return Classify(buffer, set).Kind != Pending
	}
}

// Evaluate classifies the result of a command executed with Until(set).
func Evaluate(res session.Result, set PatternSet) Verdict {
	v := Classify(res.Output, set)
	return Finalize(v, v.Kind == Pending && (res.TimedOut || res.Closed))
}
