package overrides

import (
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-erp/internal/periods"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Status enumerates override lifecycle states.
type Status string

const (
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusApproved        Status = "APPROVED"
	StatusRejected        Status = "REJECTED"
	StatusUsed            Status = "USED"
	StatusExpired         Status = "EXPIRED"
	StatusCancelled       Status = "CANCELLED"
)

// ApprovalTTL is how long an approved override stays usable.
const ApprovalTTL = 24 * time.Hour

// Approval is one approver's sign-off.
type Approval struct {
	ApproverID int64     `json:"approver_id"`
	Note       string    `json:"note,omitempty"`
	At         time.Time `json:"at"`
}

// Override is a time-boxed, approval-gated, single-use authorization to post
// into a closed or locked period.
type Override struct {
	ID                uuid.UUID
	PeriodID          int64
	RequestedBy       int64
	Operation         string
	Reason            string
	Status            Status
	ApprovalsRequired int
	Approvals         []Approval
	ExpiresAt         *time.Time
	UsedAt            *time.Time
	UsedBy            *int64
	RejectedBy        *int64
	RejectReason      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasApprover reports whether the approver already signed off.
func (o Override) HasApprover(approverID int64) bool {
	for _, a := range o.Approvals {
		if a.ApproverID == approverID {
			return true
		}
	}
	return false
}

// RequiredApprovals returns the approval quorum for posting into the period.
// Locked periods and critical periods raise the bar.
func RequiredApprovals(status periods.Status, critical bool) int {
	switch {
	case status == periods.StatusClosed && !critical:
		return 1
	case status == periods.StatusClosed && critical:
		return 2
	case status == periods.StatusLocked && !critical:
		return 2
	case status == periods.StatusLocked && critical:
		return 3
	}
	return 0
}

var (
	// ErrInvalid covers overrides in a state that cannot authorize a write.
	ErrInvalid = &shared.DomainError{Code: shared.CodeOverrideInvalid, Message: "overrides: override not approved"}
	// ErrExpired indicates the 24h usage window elapsed.
	ErrExpired = &shared.DomainError{Code: shared.CodeOverrideExpired, Message: "overrides: override expired"}
	// ErrAlreadyUsed indicates the single use was already spent.
	ErrAlreadyUsed = &shared.DomainError{Code: shared.CodeOverrideAlreadyUsed, Message: "overrides: override already used"}
	// ErrPeriodMismatch indicates the override targets a different period.
	ErrPeriodMismatch = &shared.DomainError{Code: shared.CodeOverridePeriodMismatch, Message: "overrides: override issued for a different period"}
	// ErrDuplicateApproval indicates an approver signing twice.
	ErrDuplicateApproval = &shared.DomainError{Code: shared.CodeOverrideInvalid, Message: "overrides: approver already approved this override"}
	// ErrNotRequester indicates someone other than the requester consuming it.
	ErrNotRequester = &shared.DomainError{Code: shared.CodeOverrideInvalid, Message: "overrides: only the requesting user may use the override"}
	// ErrConflict is the retryable concurrent-update signal.
	ErrConflict = &shared.DomainError{Code: shared.CodeConcurrencyConflict, Message: "overrides: concurrent update, retry", Retryable: true}
)
