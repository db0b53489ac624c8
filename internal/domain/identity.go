package domain

import "time"

// Role names assigned to identities. The pipeline only ever writes
// RolePatient, and only when no role is set; elevated roles are managed
// elsewhere and must never be overwritten here.
const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleAdmin   = "admin"
)

// Identity mirrors the identity-provider account document. Created on account
// creation; the pipeline mutates only Role.
type Identity struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"emailVerified"`
	DisplayName   string    `json:"displayName"`
	Role          string    `json:"role"`
	CreatedAt     time.Time `json:"createdAt"`
}
