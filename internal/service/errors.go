package service

import (
	"errors"
	"user_service/internal/auth"
)

var (
	ErrBadParameter       = errors.New("bad parameter")          // 400
	ErrDuplicateUser      = errors.New("user already exists")    // 409
	ErrUserNotFound       = errors.New("user not found")         // 404, 401 on login
	ErrInvalidCredentials = errors.New("invalid credentials")    // 401
	ErrMissingContext     = errors.New("missing gateway header") // 400

	ErrInvalidToken   = auth.ErrInvalidToken   // 401
	ErrHashingFailure = auth.ErrHashingFailure // startup only
)
