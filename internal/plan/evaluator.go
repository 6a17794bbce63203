// Package plan interprets a campaign's ordered step definitions against a
// recipient's current progress. Evaluation is a pure function of persisted
// state, so the same message replays to the same decision.
package plan

import (
	"fmt"
	"time"

	"dripper/internal/domain"
	"dripper/internal/util"
)

type DecisionKind int

const (
	// DecisionSend carries a materialized NextAction for the dispatcher.
	DecisionSend DecisionKind = iota
	// DecisionContinue means the current step is a branch whose condition
	// matched: advance without sending.
	DecisionContinue
	// DecisionStop means a branch condition did not match: the recipient
	// leaves the sequence with status "stopped".
	DecisionStop
	// DecisionExhausted means current_step is past the last step.
	DecisionExhausted
)

type Decision struct {
	Kind   DecisionKind
	Action NextAction
}

// NextAction is the materialized work for one step: rendered content, the
// optional media reference, and the delay the following step must wait.
type NextAction struct {
	StepIndex int
	Content   string
	MediaID   string
	NextDelay time.Duration
}

// Evaluate maps (steps, message) to the next decision. Content rendering is
// seeded by message ID and step index so a crash-retried attempt sends
// byte-identical text. mediaExists guards against assets deleted after
// activation.
func Evaluate(steps []domain.Step, msg domain.CampaignMessage, mediaExists func(mediaID string) bool) (Decision, error) {
	idx := msg.CurrentStep
	if idx < 0 {
		return Decision{}, fmt.Errorf("%w: negative step index %d", domain.ErrInvalidStepDefinition, idx)
	}
	if idx >= len(steps) {
		return Decision{Kind: DecisionExhausted}, nil
	}

	step := steps[idx]
	switch step.Kind {
	case domain.StepBranch:
		if step.Branch == nil {
			return Decision{}, fmt.Errorf("%w: step %d: branch without condition", domain.ErrInvalidStepDefinition, idx)
		}
		if msg.Vars[step.Branch.Var] == step.Branch.Equals {
			return Decision{Kind: DecisionContinue}, nil
		}
		return Decision{Kind: DecisionStop}, nil

	case domain.StepText, domain.StepMedia:
		if step.Kind == domain.StepMedia {
			if step.MediaID == "" {
				return Decision{}, fmt.Errorf("%w: step %d: media step without reference", domain.ErrInvalidStepDefinition, idx)
			}
			if mediaExists != nil && !mediaExists(step.MediaID) {
				return Decision{}, fmt.Errorf("%w: step %d: media %q not found", domain.ErrInvalidStepDefinition, idx, step.MediaID)
			}
		}
		seed := fmt.Sprintf("%s:%d", msg.ID, idx)
		content := util.RenderTemplate(util.RenderSpintax(step.Body, seed), msg.Vars)
		return Decision{
			Kind: DecisionSend,
			Action: NextAction{
				StepIndex: idx,
				Content:   content,
				MediaID:   step.MediaID,
				NextDelay: nextDelay(steps, idx),
			},
		}, nil

	default:
		return Decision{}, fmt.Errorf("%w: step %d: unknown kind %q", domain.ErrInvalidStepDefinition, idx, step.Kind)
	}
}

// nextDelay is the wait before step idx+1 becomes eligible. Past the end it
// is zero; the coordinator marks the message exhausted instead.
func nextDelay(steps []domain.Step, idx int) time.Duration {
	if idx+1 >= len(steps) {
		return 0
	}
	return steps[idx+1].Delay()
}
