package domain

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

type StepKind string

const (
	StepText   StepKind = "text"
	StepMedia  StepKind = "media"
	StepBranch StepKind = "branch"
)

// Step is one unit of a campaign's ordered plan. It is a tagged variant:
// "text" sends Body, "media" sends Body plus the referenced asset, "branch"
// sends nothing and decides whether the recipient continues or stops.
// DelaySeconds is the wait between the previous step's outcome and this step
// becoming eligible.
type Step struct {
	Kind         StepKind `json:"kind" validate:"required,oneof=text media branch"`
	Body         string   `json:"body,omitempty"`
	MediaID      string   `json:"mediaId,omitempty"`
	DelaySeconds int      `json:"delaySeconds" validate:"gte=0"`

	Branch *BranchCondition `json:"branch,omitempty"`
}

// BranchCondition checks a recipient var. A match continues the sequence; a
// mismatch stops the recipient (status "stopped").
type BranchCondition struct {
	Var    string `json:"var" validate:"required"`
	Equals string `json:"equals"`
}

func (s Step) Delay() time.Duration {
	return time.Duration(s.DelaySeconds) * time.Second
}

var validate = validator.New()

// ValidateSteps rejects malformed step plans at activation time so a running
// campaign never hits a step it cannot execute. mediaExists resolves a media
// reference against the campaign's uploaded assets.
func ValidateSteps(steps []Step, mediaExists func(mediaID string) bool) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: empty step list", ErrInvalidStepDefinition)
	}
	for i, s := range steps {
		if err := validate.Struct(s); err != nil {
			return fmt.Errorf("%w: step %d: %v", ErrInvalidStepDefinition, i, err)
		}
		switch s.Kind {
		case StepText:
			if s.Body == "" {
				return fmt.Errorf("%w: step %d: text step needs a body", ErrInvalidStepDefinition, i)
			}
			if s.MediaID != "" {
				return fmt.Errorf("%w: step %d: text step cannot reference media", ErrInvalidStepDefinition, i)
			}
		case StepMedia:
			if s.MediaID == "" {
				return fmt.Errorf("%w: step %d: media step needs a media reference", ErrInvalidStepDefinition, i)
			}
			if mediaExists != nil && !mediaExists(s.MediaID) {
				return fmt.Errorf("%w: step %d: media %q not found", ErrInvalidStepDefinition, i, s.MediaID)
			}
		case StepBranch:
			if s.Branch == nil {
				return fmt.Errorf("%w: step %d: branch step needs a condition", ErrInvalidStepDefinition, i)
			}
			if err := validate.Struct(s.Branch); err != nil {
				return fmt.Errorf("%w: step %d: %v", ErrInvalidStepDefinition, i, err)
			}
		}
	}
	return nil
}
