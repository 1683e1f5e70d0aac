package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Stage names the capture phase a failure occurred in.
type Stage string

const (
	StageNavigate   Stage = "navigate"
	StageSettle     Stage = "settle"
	StageScreenshot Stage = "screenshot"
)

// Kind is the closed failure taxonomy surfaced to callers. The underlying
// browser error text is logged, never returned upstream.
type Kind string

const (
	KindNavigationFailed Kind = "navigation_failed"
	KindTimeout          Kind = "capture_timeout"
	KindScreenshotFailed Kind = "screenshot_failed"
	KindUnknown          Kind = "unknown_error"
)

// Failure is a classified capture outcome.
type Failure struct {
	Kind  Kind
	Stage Stage
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s (stage=%s)", f.Kind, f.Stage)
}

// Tag renders the stage-qualified failure label used in responses and logs.
func (f *Failure) Tag() string {
	return fmt.Sprintf("%s:%s", f.Kind, f.Stage)
}

// classify translates a raw engine error into the closed taxonomy at the
// boundary so no other code ever matches on free-form strings.
func classify(err error, stage Stage) *Failure {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Kind: KindTimeout, Stage: stage}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline") {
		return &Failure{Kind: KindTimeout, Stage: stage}
	}
	switch stage {
	case StageNavigate, StageSettle:
		if strings.Contains(msg, "net::err") ||
			strings.Contains(msg, "page load") ||
			strings.Contains(msg, "navigat") ||
			strings.Contains(msg, "blocked") {
			return &Failure{Kind: KindNavigationFailed, Stage: stage}
		}
	case StageScreenshot:
		return &Failure{Kind: KindScreenshotFailed, Stage: stage}
	}
	return &Failure{Kind: KindUnknown, Stage: stage}
}
