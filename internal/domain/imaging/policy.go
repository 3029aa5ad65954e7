package imaging

import (
	"context"
	"fmt"

	"github.com/mediconnect/mediconnect/internal/domain/identity"
	"github.com/mediconnect/mediconnect/internal/platform/auth"
)

// Policy decides what a requester may do with a node of the imaging
// hierarchy. Every capability switches on the closed set of roles.
type Policy struct {
	links identity.LinkChecker
}

func NewPolicy(links identity.LinkChecker) *Policy {
	return &Policy{links: links}
}

// CanView: patients see their own nodes, doctors see nodes they uploaded or
// that belong to a linked patient. Nobody else sees imaging.
func (p *Policy) CanView(ctx context.Context, user auth.User, node Ownership) (bool, error) {
	switch user.Role {
	case auth.RolePatient:
		return node.PatientID == user.ID, nil
	case auth.RoleDoctor:
		return p.doctorReaches(ctx, user, node)
	case auth.RoleSecretary, auth.RoleHospitalAdmin, auth.RoleSuperAdmin:
		return false, nil
	}
	return false, nil
}

// CanUpload is reserved to doctors.
func (p *Policy) CanUpload(user auth.User) bool {
	switch user.Role {
	case auth.RoleDoctor:
		return true
	default:
		return false
	}
}

// CanDelete is reserved to the uploading doctor and doctors linked to the
// owning patient.
func (p *Policy) CanDelete(ctx context.Context, user auth.User, node Ownership) (bool, error) {
	switch user.Role {
	case auth.RoleDoctor:
		return p.doctorReaches(ctx, user, node)
	default:
		return false, nil
	}
}

// Visibility returns the listing restriction for user.
func (p *Policy) Visibility(user auth.User) Visibility {
	switch user.Role {
	case auth.RolePatient:
		return Visibility{PatientID: user.ID}
	case auth.RoleDoctor:
		return Visibility{DoctorID: user.ID}
	default:
		return Visibility{}
	}
}

// Missing returns the error a requester gets for a node that does not
// exist. Only doctors learn that a node is absent.
func (p *Policy) Missing(user auth.User) error {
	if user.Role == auth.RoleDoctor {
		return ErrNotFound
	}
	return ErrPermissionDenied
}

func (p *Policy) doctorReaches(ctx context.Context, user auth.User, node Ownership) (bool, error) {
	if node.DoctorID == user.ID {
		return true, nil
	}
	linked, err := p.links.IsLinked(ctx, node.PatientID, user.ID)
	if err != nil {
		return false, fmt.Errorf("check patient link: %w", err)
	}
	return linked, nil
}
