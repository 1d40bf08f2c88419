package eas

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMalformedPayload = errors.New("malformed webhook payload")

// Kind tags which of the two webhook shapes an Event carries.
type Kind int

const (
	KindSubmission Kind = iota
	KindBuild
)

func (k Kind) String() string {
	if k == KindBuild {
		return "Build"
	}
	return "Submission"
}

// Event is a parsed webhook body. Exactly one of Build and Submission is set,
// selected by Kind.
type Event struct {
	Kind       Kind
	Build      *BuildPayload
	Submission *SubmitPayload
}

// Common returns the fields shared by both shapes.
func (e Event) Common() Common {
	switch {
	case e.Kind == KindBuild && e.Build != nil:
		return e.Build.Common
	case e.Kind == KindSubmission && e.Submission != nil:
		return e.Submission.Common
	default:
		return Common{}
	}
}

// DetailsURL returns the expo.dev page for the build or submission.
func (e Event) DetailsURL() string {
	if e.Kind == KindBuild {
		return e.Build.BuildDetailsPageURL
	}
	return e.Submission.SubmissionDetailsPageURL
}

// Classify tags a decoded top-level object. Only build payloads carry "priority".
func Classify(fields map[string]json.RawMessage) Kind {
	if _, ok := fields["priority"]; ok {
		return KindBuild
	}
	return KindSubmission
}

// Parse decodes a webhook body into its tagged shape.
func Parse(body []byte) (Event, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Event{}, fmt.Errorf("%w: body is not a JSON object", ErrMalformedPayload)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	switch Classify(fields) {
	case KindBuild:
		var payload BuildPayload
		if err := json.Unmarshal(trimmed, &payload); err != nil {
			return Event{}, fmt.Errorf("%w: build: %v", ErrMalformedPayload, err)
		}
		return Event{Kind: KindBuild, Build: &payload}, nil
	default:
		var payload SubmitPayload
		if err := json.Unmarshal(trimmed, &payload); err != nil {
			return Event{}, fmt.Errorf("%w: submission: %v", ErrMalformedPayload, err)
		}
		return Event{Kind: KindSubmission, Submission: &payload}, nil
	}
}
