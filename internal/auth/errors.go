package auth

import "errors"

var (
	ErrNotFound       = errors.New("auth: not found")
	ErrConflict       = errors.New("auth: resource conflict")
	ErrInvalidInput   = errors.New("auth: invalid input")
	ErrAuthentication = errors.New("auth: authentication failed")
	ErrForbidden      = errors.New("auth: forbidden")
	ErrNoSession      = errors.New("auth: no session")
)
