package vault

import "errors"

var (
	ErrInvalidKey     = errors.New("vault: encryption key must be 32 bytes for AES-256")
	ErrDecryption     = errors.New("vault: decryption failed")
	ErrRefreshRevoked = errors.New("vault: refresh token revoked")
	ErrNoAccount      = errors.New("vault: no linked account")
)

// ExchangeError reports a failed authorization exchange with the upstream
// description, suitable for showing to the initiating user.
type ExchangeError struct {
	Description string
	Err         error
}

func (e *ExchangeError) Error() string {
	if e.Description == "" {
		return "authorization exchange failed"
	}
	return "authorization exchange failed: " + e.Description
}

func (e *ExchangeError) Unwrap() error { return e.Err }
