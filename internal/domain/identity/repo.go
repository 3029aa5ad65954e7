package identity

import (
	"context"

	"github.com/google/uuid"

	"github.com/mediconnect/mediconnect/internal/platform/auth"
)

type UserRepository interface {
	Create(ctx context.Context, u *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	GetByUsername(ctx context.Context, username string) (*User, error)
	ListByRole(ctx context.Context, role auth.Role, limit, offset int) ([]*User, int, error)
}

type LinkRepository interface {
	// Link creates the assignment or reactivates an existing one.
	Link(ctx context.Context, patientID, doctorID uuid.UUID) (*PatientDoctorLink, error)
	Unlink(ctx context.Context, patientID, doctorID uuid.UUID) error
	IsLinked(ctx context.Context, patientID, doctorID uuid.UUID) (bool, error)
	ListByDoctor(ctx context.Context, doctorID uuid.UUID) ([]*PatientDoctorLink, error)
}

// LinkChecker answers whether a doctor is actively assigned to a patient.
type LinkChecker interface {
	IsLinked(ctx context.Context, patientID, doctorID uuid.UUID) (bool, error)
}
