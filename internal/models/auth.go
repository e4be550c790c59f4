package models

import "github.com/golang-jwt/jwt/v5"

// ScopeRole identifies the caller class of a classroom-scope token.
type ScopeRole string

const (
	RoleDevice  ScopeRole = "device"
	RoleTeacher ScopeRole = "teacher"
	RoleAdmin   ScopeRole = "admin"
)

// ScopeClaims is the classroom-scope token issued by the surrounding auth system.
type ScopeClaims struct {
	Role         ScopeRole `json:"role"`
	ClassroomIDs []string  `json:"classrooms"`
	jwt.RegisteredClaims
}

// Allows reports whether the token grants access to classroomID. Admin tokens span every classroom.
func (c *ScopeClaims) Allows(classroomID string) bool {
	if c == nil {
		return false
	}
	if c.Role == RoleAdmin {
		return true
	}
	for _, id := range c.ClassroomIDs {
		if id == classroomID {
			return true
		}
	}
	return false
}

// Actor returns the token subject used in audit trails.
func (c *ScopeClaims) Actor() string {
	if c == nil {
		return ""
	}
	return c.Subject
}
