package service

import "pos-service/internal/models"

// Role is the authorization role carried by a caller
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleCustomer Role = "customer"
)

// Caller is the authenticated identity invoking an operation
type Caller struct {
	UserID int64
	Role   Role
}

// IsAdmin reports whether the caller has the administrative role
func (c Caller) IsAdmin() bool {
	return c.Role == RoleAdmin
}

// CanAccess reports whether the caller owns the order or is an admin
func (c Caller) CanAccess(order *models.Order) bool {
	return c.IsAdmin() || order.OwnedBy(c.UserID)
}

func requireAdmin(c Caller) error {
	if !c.IsAdmin() {
		return ErrForbidden
	}
	return nil
}
