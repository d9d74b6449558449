package model

import "time"

type Instance struct {
	ID                    string          `db:"id" json:"id"`
	OwnerID               string          `db:"owner_id" json:"ownerId"`
	Name                  string          `db:"name" json:"name"`
	ExternalAccountNumber *string         `db:"external_account_number" json:"externalAccountNumber,omitempty"`
	DeploymentState       DeploymentState `db:"deployment_state" json:"deploymentState"`
	CredentialsBlob       *string         `db:"credentials_blob" json:"-"`
	CredentialsPassphrase *string         `db:"credentials_passphrase" json:"-"`
	PairingCode           *string         `db:"pairing_code" json:"-"`
	PairingStartedAt      *time.Time      `db:"pairing_started_at" json:"pairingStartedAt,omitempty"`
	RunnerInstanceID      *string         `db:"runner_instance_id" json:"runnerInstanceId,omitempty"`
	ExpiresAt             *time.Time      `db:"expires_at" json:"expiresAt,omitempty"`
	LastActiveAt          *time.Time      `db:"last_active_at" json:"lastActiveAt,omitempty"`
	CredsUploadedAt       *time.Time      `db:"creds_uploaded_at" json:"credsUploadedAt,omitempty"`
	DeployedAt            *time.Time      `db:"deployed_at" json:"deployedAt,omitempty"`
	CreatedAt             time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt             time.Time       `db:"updated_at" json:"updatedAt"`
}

func (i *Instance) HasCredentials() bool {
	return i.CredentialsBlob != nil && *i.CredentialsBlob != ""
}

// PairingExpired reports whether the pairing window opened at
// PairingStartedAt has elapsed.
func (i *Instance) PairingExpired(now time.Time, window time.Duration) bool {
	if i.PairingStartedAt == nil {
		return true
	}
	return !now.Before(i.PairingStartedAt.Add(window))
}

// Expired reports whether the instance's paid period is over.
func (i *Instance) Expired(now time.Time) bool {
	return i.ExpiresAt != nil && !now.Before(*i.ExpiresAt)
}

type CreateInstanceParams struct {
	OwnerID               string
	Name                  string
	ExternalAccountNumber *string
	ExpiresAt             *time.Time
}

// InstanceChange lists the columns written together with a state
// transition. Nil pointers leave the column untouched; the Clear flags
// null the column out.
type InstanceChange struct {
	ExternalAccountNumber *string
	PairingCode           *string
	PairingStartedAt      *time.Time
	ClearPairing          bool
	CredentialsBlob       *string
	CredentialsPassphrase *string
	ClearCredentials      bool
	RunnerInstanceID      *string
	ClearRunner           bool
	CredsUploadedAt       *time.Time
	DeployedAt            *time.Time
	// LastActiveAt only moves forward.
	LastActiveAt *time.Time
}

// Apply copies the change onto an in-memory record.
func (c InstanceChange) Apply(inst *Instance) {
	if c.ExternalAccountNumber != nil {
		inst.ExternalAccountNumber = c.ExternalAccountNumber
	}
	if c.ClearPairing {
		inst.PairingCode = nil
		inst.PairingStartedAt = nil
	}
	if c.PairingCode != nil {
		inst.PairingCode = c.PairingCode
	}
	if c.PairingStartedAt != nil {
		inst.PairingStartedAt = c.PairingStartedAt
	}
	if c.ClearCredentials {
		inst.CredentialsBlob = nil
		inst.CredentialsPassphrase = nil
	}
	if c.CredentialsBlob != nil {
		inst.CredentialsBlob = c.CredentialsBlob
	}
	if c.CredentialsPassphrase != nil {
		inst.CredentialsPassphrase = c.CredentialsPassphrase
	}
	if c.ClearRunner {
		inst.RunnerInstanceID = nil
	}
	if c.RunnerInstanceID != nil {
		inst.RunnerInstanceID = c.RunnerInstanceID
	}
	if c.CredsUploadedAt != nil {
		inst.CredsUploadedAt = c.CredsUploadedAt
	}
	if c.DeployedAt != nil {
		inst.DeployedAt = c.DeployedAt
	}
	if c.LastActiveAt != nil && (inst.LastActiveAt == nil || c.LastActiveAt.After(*inst.LastActiveAt)) {
		at := *c.LastActiveAt
		inst.LastActiveAt = &at
	}
}
