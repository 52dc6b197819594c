// AngelaMos | 2026
// entity.go

package user

import (
	"time"
)

// PasswordHash is nullable: accounts provisioned through an external
// identity provider have no local credential and can never pass a
// password login.
type User struct {
	ID           string     `db:"id"`
	Email        string     `db:"email"`
	PasswordHash *string    `db:"password_hash"`
	Role         string     `db:"role"`
	TokenVersion int        `db:"token_version"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
	DeletedAt    *time.Time `db:"deleted_at"`
}

func (u *User) IsDeleted() bool {
	return u.DeletedAt != nil
}

func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

func (u *User) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)
