// Package auth provides token issuance, authentication middleware and role gates.
package auth

// Role represents a user role in the system.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
	RoleManager Role = "manager"
)

// Roles lists every assignable role.
var Roles = []Role{RoleAdmin, RoleDoctor, RolePatient, RoleManager}

// ParseRole returns the role named s and whether it is known.
func ParseRole(s string) (Role, bool) {
	for _, r := range Roles {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}

// HasAnyRole checks if role is one of the required roles.
func HasAnyRole(role Role, required ...Role) bool {
	for _, r := range required {
		if role == r {
			return true
		}
	}
	return false
}
