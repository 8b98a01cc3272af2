package models

// User is an account that owns attempts. Created by the registration path or
// by the admin seeder; never destroyed by the tasker.
type User struct {
	Login        string `json:"login"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	IsAdmin      bool   `json:"is_admin"`
}

// CreateUserRequest contains fields for inserting a new user.
type CreateUserRequest struct {
	Login        string `json:"login"`
	Email        string `json:"email"`
	PasswordHash string `json:"-"`
	IsAdmin      bool   `json:"is_admin"`
}
