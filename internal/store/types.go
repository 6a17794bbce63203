package store

import (
	"time"

	"dripper/internal/domain"
)

// ClaimedMessage is one due message claimed for processing, joined with the
// step plan it runs against. The claim is a timestamp, not a distinct state;
// stale claims are reclaimable after the staleness window.
type ClaimedMessage struct {
	Message domain.CampaignMessage
	Steps   []domain.Step
}

type MessageInsert struct {
	ID         string
	CampaignID string
	TenantID   string
	Recipient  string
	Vars       map[string]string
	EligibleAt time.Time
	Now        time.Time
}

// SentApply commits a confirmed send for the step the message currently
// points to. The update is conditional on CurrentStep so reapplying the same
// outcome after a crash-retry advances exactly once.
type SentApply struct {
	MessageID string
	StepIndex int
	// Exhausted marks the message done because StepIndex was the last step.
	Exhausted      bool
	NextEligibleAt time.Time
	IdentityID     string
	Now            time.Time
}

type RetryApply struct {
	MessageID  string
	StepIndex  int
	RetryCount int
	EligibleAt time.Time
	LastError  string
	Now        time.Time
}

type TerminalApply struct {
	MessageID string
	StepIndex int
	Status    domain.MessageStatus
	LastError string
	Now       time.Time
}

type CampaignInsert struct {
	ID       string
	TenantID string
	Name     string
	Steps    []domain.Step
	Now      time.Time
}

type IdentityInsert struct {
	ID         string
	TenantID   string
	Label      string
	SessionRef string
	ProxyID    string
	Now        time.Time
}

type ProxyInsert struct {
	ID       string
	TenantID string
	Address  string
	Protocol string
	Now      time.Time
}

type MediaInsert struct {
	ID          string
	CampaignID  string
	Filename    string
	StorageKey  string
	ContentType string
	SizeBytes   int64
	Now         time.Time
}

type SubscriptionInsert struct {
	ID         string
	CampaignID string
	URL        string
	Secret     string
	Now        time.Time
}

type AuditInsert struct {
	ID         string
	EventType  string
	CampaignID string
	MessageID  string
	IdentityID string
	Outcome    string
	Metadata   map[string]string
	OccurredAt time.Time
}
