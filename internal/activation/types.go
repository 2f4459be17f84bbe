package activation

import (
	"context"
	"fmt"
	"time"
)

// ActivationResult is the structured outcome of an activation call.
// Remote rejections and connection failures are carried here rather than
// raised, so UI and API layers can render them.
type ActivationResult struct {
	OK            bool       `json:"ok"`
	InstanceID    string     `json:"instance_id,omitempty"`
	ContractStart *time.Time `json:"contract_start,omitempty"`
	ContractEnd   *time.Time `json:"contract_end,omitempty"`
	ErrorCode     string     `json:"error_code,omitempty"`
	Message       string     `json:"message,omitempty"`
}

// StatusResult is the outcome of a status poll.
type StatusResult struct {
	Checked   bool            `json:"checked"` // false when the poll was rate-limited away
	Activated bool            `json:"activated"`
	Status    string          `json:"status,omitempty"`
	Features  map[string]bool `json:"features,omitempty"`
}

// SuperadminSpec describes a remote-requested superadmin account to be
// created through the host's user-creation collaborator.
type SuperadminSpec struct {
	Username  string `json:"username"`
	Email     string `json:"email"`
	FirstName string `json:"firstname"`
	LastName  string `json:"lastname"`
}

// ProvisionedUser is the host-side account created for a SuperadminSpec.
type ProvisionedUser struct {
	ID         int64  `json:"id"`
	Username   string `json:"username"`
	Credential string `json:"credential"`
}

// UserProvisioner creates host-side accounts for described superadmin
// records. External collaborator; its internals are not this package's
// concern.
type UserProvisioner interface {
	CreateUser(ctx context.Context, spec SuperadminSpec) (ProvisionedUser, error)
}

// TenantDirectory answers tenant existence questions from the host's
// domain model.
type TenantDirectory interface {
	Exists(ctx context.Context, tenantID int64) (bool, error)
}

// DispatchTrigger lets the gateway kick one immediate dispatch cycle after
// a successful activation instead of waiting for the next scheduled poll.
// Failures are non-fatal; the scheduler retries later.
type DispatchTrigger interface {
	DispatchNow(ctx context.Context)
}

// ParseContractDate parses a calendar date (YYYY-MM-DD) pinned to noon UTC,
// so the stored instant renders as the same calendar day in any timezone.
func ParseContractDate(value string) (*time.Time, error) {
	if value == "" {
		return nil, nil
	}
	day, err := time.Parse("2006-01-02", value)
	if err != nil {
		return nil, fmt.Errorf("parse contract date %q: %w", value, err)
	}
	pinned := time.Date(day.Year(), day.Month(), day.Day(), 12, 0, 0, 0, time.UTC)
	return &pinned, nil
}
