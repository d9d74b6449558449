package model

type DeploymentState string

const (
	StateCreated       DeploymentState = "created"
	StatePairing       DeploymentState = "pairing"
	StatePairingFailed DeploymentState = "pairing_failed"
	StateCredsUploaded DeploymentState = "creds_uploaded"
	StateDeploying     DeploymentState = "deploying"
	StateOnline        DeploymentState = "online"
	StateDeployFailed  DeploymentState = "deploy_failed"
	StateOffline       DeploymentState = "offline"
	// StateDeleted is never persisted; the row is removed instead.
	StateDeleted DeploymentState = "deleted"
)

// Running reports whether a session is expected to exist for the state.
func (s DeploymentState) Running() bool {
	return s == StateDeploying || s == StateOnline
}

type SubscriptionStatus string

const (
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusSuperseded SubscriptionStatus = "superseded"
	SubscriptionStatusExpired    SubscriptionStatus = "expired"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)
