package domain

type CreateCampaignRequest struct {
	TenantID string `json:"tenantId"`
	Name     string `json:"name"`
	Steps    []Step `json:"steps"`
}

func (r CreateCampaignRequest) Validate() error {
	if r.TenantID == "" || r.Name == "" || len(r.Steps) == 0 {
		return ErrMissingFields
	}
	return nil
}

type EnrollRequest struct {
	Recipients []EnrollRecipient `json:"recipients"`
}

type EnrollRecipient struct {
	Address string            `json:"address"`
	Vars    map[string]string `json:"vars,omitempty"`
}

func (r EnrollRequest) Validate() error {
	if len(r.Recipients) == 0 {
		return ErrMissingFields
	}
	for _, rec := range r.Recipients {
		if rec.Address == "" {
			return ErrMissingFields
		}
	}
	return nil
}

type RegisterIdentityRequest struct {
	TenantID   string `json:"tenantId"`
	Label      string `json:"label"`
	SessionRef string `json:"sessionRef"`
}

func (r RegisterIdentityRequest) Validate() error {
	if r.TenantID == "" || r.SessionRef == "" {
		return ErrMissingFields
	}
	return nil
}

type RegisterProxyRequest struct {
	TenantID string `json:"tenantId"`
	Address  string `json:"address"`
	Protocol string `json:"protocol"`
}

func (r RegisterProxyRequest) Validate() error {
	if r.TenantID == "" || r.Address == "" {
		return ErrMissingFields
	}
	return nil
}

type RegisterMediaRequest struct {
	Filename    string `json:"filename"`
	StorageKey  string `json:"storageKey"`
	ContentType string `json:"contentType"`
	SizeBytes   int64  `json:"sizeBytes"`
}

func (r RegisterMediaRequest) Validate() error {
	if r.Filename == "" || r.StorageKey == "" {
		return ErrMissingFields
	}
	return nil
}

type SubscribeWebhookRequest struct {
	URL    string `json:"url"`
	Secret string `json:"secret"`
}

func (r SubscribeWebhookRequest) Validate() error {
	if r.URL == "" || r.Secret == "" {
		return ErrMissingFields
	}
	return nil
}

type CampaignStats struct {
	CampaignID string         `json:"campaignId"`
	ByStatus   map[string]int `json:"byStatus"`
}
