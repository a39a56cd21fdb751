/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Tejus Pratap <tejzpr@gmail.com>
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package identity resolves the signed-in participant a call runs on behalf
// of. Authentication itself belongs to the surrounding application; this
// package only reads the identity it established.
package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/tejzpr/consult-go-sdk/consultsdk"
)

func init() {
	consultsdk.RegisterValidation("role", func(fl validator.FieldLevel) bool {
		return Role(fl.Field().String()).Valid()
	})
}

// Role is the participant's role in a consultation.
type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RolePatient || r == RoleDoctor
}

// Opposite returns the role on the other side of a consultation.
func (r Role) Opposite() Role {
	if r == RoleDoctor {
		return RolePatient
	}
	return RoleDoctor
}

// Participant is one side of a call.
type Participant struct {
	ID          string `json:"id" validate:"required_without=Email"`
	DisplayName string `json:"name"`
	Email       string `json:"email"`
	Role        Role   `json:"type" validate:"role"`
}

// Address returns the signaling address of the participant.
func (p *Participant) Address() string {
	if p.Email != "" {
		return p.Email
	}
	return p.ID
}

// Validate checks that the participant can take part in a call.
func (p *Participant) Validate() error {
	if p == nil {
		return consultsdk.NewPreconditionError("identity", "no signed-in participant")
	}
	fe, ok := consultsdk.FirstFieldError(consultsdk.Validate(p))
	if !ok {
		return nil
	}
	switch fe.Field() {
	case "ID":
		return consultsdk.NewPreconditionError("identity", "participant has neither id nor email")
	default:
		return consultsdk.NewPreconditionError("identity", "unknown role %q", p.Role)
	}
}

// Provider resolves the local participant.
type Provider interface {
	Resolve(ctx context.Context) (*Participant, error)
}

// Static is a Provider that always returns the same participant.
type Static struct {
	Participant *Participant
}

// NewStatic returns a Provider for p.
func NewStatic(p *Participant) *Static {
	return &Static{Participant: p}
}

// Resolve returns a copy of the configured participant.
func (s *Static) Resolve(ctx context.Context) (*Participant, error) {
	if err := s.Participant.Validate(); err != nil {
		return nil, err
	}
	p := *s.Participant
	return &p, nil
}

// Counterpart derives the remote participant from the address that was
// dialled when the remote side sent no identity of its own. The remote role
// is the opposite of the local one and doctors are shown as "Dr. <name>".
func Counterpart(local Role, address string) *Participant {
	role := local.Opposite()
	name := address
	if i := strings.Index(address, "@"); i > 0 {
		name = address[:i]
	}
	if name == "" {
		if role == RoleDoctor {
			name = "Anonymous"
		} else {
			name = "Patient"
		}
	}
	if role == RoleDoctor {
		name = fmt.Sprintf("Dr. %s", name)
	}

	p := &Participant{
		ID:          address,
		DisplayName: name,
		Role:        role,
	}
	if strings.Contains(address, "@") {
		p.Email = address
	}
	return p
}
