package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mediconnect/mediconnect/internal/platform/auth"
)

// Service seeds accounts and manages patient/doctor assignments.
type Service struct {
	users UserRepository
	links LinkRepository
	cache *CachedLinkChecker
}

// NewService wires the repositories. cache may be nil; when set, it is
// invalidated on every assignment change.
func NewService(users UserRepository, links LinkRepository, cache *CachedLinkChecker) *Service {
	return &Service{users: users, links: links, cache: cache}
}

func (s *Service) CreateUser(ctx context.Context, u *User) error {
	u.Username = strings.TrimSpace(u.Username)
	if u.Username == "" {
		return fmt.Errorf("username is required: %w", ErrInvalidUser)
	}
	role, err := auth.ParseRole(string(u.Role))
	if err != nil {
		return fmt.Errorf("%v: %w", err, ErrInvalidUser)
	}
	u.Role = role
	u.IsActive = true
	return s.users.Create(ctx, u)
}

func (s *Service) GetUser(ctx context.Context, id uuid.UUID) (*User, error) {
	return s.users.GetByID(ctx, id)
}

func (s *Service) FindByUsername(ctx context.Context, username string) (*User, error) {
	return s.users.GetByUsername(ctx, strings.TrimSpace(username))
}

// ListUsers pages through the accounts holding role.
func (s *Service) ListUsers(ctx context.Context, role auth.Role, limit, offset int) ([]*User, int, error) {
	return s.users.ListByRole(ctx, role, limit, offset)
}

// LinkDoctor assigns doctorID to patientID after checking both roles.
func (s *Service) LinkDoctor(ctx context.Context, patientID, doctorID uuid.UUID) (*PatientDoctorLink, error) {
	if err := s.requireRole(ctx, patientID, auth.RolePatient); err != nil {
		return nil, err
	}
	if err := s.requireRole(ctx, doctorID, auth.RoleDoctor); err != nil {
		return nil, err
	}

	link, err := s.links.Link(ctx, patientID, doctorID)
	if err != nil {
		return nil, fmt.Errorf("link doctor: %w", err)
	}
	if s.cache != nil {
		s.cache.Forget(ctx, patientID, doctorID)
	}
	return link, nil
}

func (s *Service) UnlinkDoctor(ctx context.Context, patientID, doctorID uuid.UUID) error {
	if err := s.links.Unlink(ctx, patientID, doctorID); err != nil {
		return fmt.Errorf("unlink doctor: %w", err)
	}
	if s.cache != nil {
		s.cache.Forget(ctx, patientID, doctorID)
	}
	return nil
}

func (s *Service) PatientsOf(ctx context.Context, doctorID uuid.UUID) ([]*PatientDoctorLink, error) {
	return s.links.ListByDoctor(ctx, doctorID)
}

func (s *Service) requireRole(ctx context.Context, id uuid.UUID, role auth.Role) error {
	u, err := s.users.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("user %s: %w", id, err)
	}
	if u.Role != role {
		return fmt.Errorf("user %s is %s, not %s: %w", id, u.Role, role, ErrWrongRole)
	}
	return nil
}
