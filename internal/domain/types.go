package domain

import "time"

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
)

type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageFailed    MessageStatus = "failed"
	MessageExhausted MessageStatus = "exhausted"
	MessageStopped   MessageStatus = "stopped"
)

type IdentityHealth string

const (
	IdentityHealthy     IdentityHealth = "healthy"
	IdentityDegraded    IdentityHealth = "degraded"
	IdentityBanned      IdentityHealth = "banned"
	IdentityCoolingDown IdentityHealth = "cooling_down"
)

type ProxyHealth string

const (
	ProxyHealthy ProxyHealth = "healthy"
	ProxyFailed  ProxyHealth = "failed"
)

type Campaign struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenantId"`
	Name        string         `json:"name"`
	Status      CampaignStatus `json:"status"`
	Steps       []Step         `json:"steps"`
	ActivatedAt *time.Time     `json:"activatedAt,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// CampaignMessage is one recipient's progress through a campaign's step plan.
// CurrentStep only advances after a confirmed send outcome for the step it
// points to; EligibleAt gates when the next attempt may happen.
type CampaignMessage struct {
	ID            string            `json:"id"`
	CampaignID    string            `json:"campaignId"`
	TenantID      string            `json:"tenantId"`
	Recipient     string            `json:"recipient"`
	Vars          map[string]string `json:"vars,omitempty"`
	CurrentStep   int               `json:"currentStep"`
	Status        MessageStatus     `json:"status"`
	RetryCount    int               `json:"retryCount"`
	EligibleAt    time.Time         `json:"eligibleAt"`
	LastAttemptAt *time.Time        `json:"lastAttemptAt,omitempty"`
	IdentityID    string            `json:"identityId,omitempty"`
	LastError     string            `json:"lastError,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// SendingIdentity is one authenticated messaging session ("chip"). Rolling
// send counters live in the engine's identity pool; the persisted row carries
// health, proxy binding and the last send timestamp used for LRU selection.
type SendingIdentity struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenantId"`
	Label      string         `json:"label"`
	SessionRef string         `json:"-"`
	Health     IdentityHealth `json:"health"`
	ProxyID    string         `json:"proxyId,omitempty"`
	LastSendAt *time.Time     `json:"lastSendAt,omitempty"`
	LastError  string         `json:"lastError,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

type Proxy struct {
	ID             string      `json:"id"`
	TenantID       string      `json:"tenantId"`
	Address        string      `json:"address"`
	Protocol       string      `json:"protocol"`
	Health         ProxyHealth `json:"health"`
	FailStreak     int         `json:"failStreak"`
	LastFailureAt  *time.Time  `json:"lastFailureAt,omitempty"`
	LastAssignedAt *time.Time  `json:"lastAssignedAt,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
}

// MediaAsset is an immutable blob reference owned by a campaign.
type MediaAsset struct {
	ID          string    `json:"id"`
	CampaignID  string    `json:"campaignId"`
	Filename    string    `json:"filename"`
	StorageKey  string    `json:"storageKey"`
	ContentType string    `json:"contentType"`
	SizeBytes   int64     `json:"sizeBytes"`
	CreatedAt   time.Time `json:"createdAt"`
}

type WebhookSubscription struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaignId"`
	URL        string    `json:"url"`
	Secret     string    `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
}

type AuditEvent struct {
	ID         string            `json:"id"`
	EventType  string            `json:"eventType"`
	CampaignID string            `json:"campaignId"`
	MessageID  string            `json:"messageId,omitempty"`
	IdentityID string            `json:"identityId,omitempty"`
	Outcome    string            `json:"outcome"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}
