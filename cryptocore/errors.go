package cryptocore

import "errors"

var (
	ErrNilSession             = errors.New("cryptocore: nil session")
	ErrInvalidPrekeySignature = errors.New("cryptocore: invalid prekey signature")
	ErrInvalidRemoteKey       = errors.New("cryptocore: invalid remote ratchet key")
	ErrDuplicateMessage       = errors.New("cryptocore: duplicate message")
	ErrDecryptionFailed       = errors.New("cryptocore: message authentication failed")
	ErrSkipBoundExceeded      = errors.New("cryptocore: too many skipped messages")
	ErrMalformedSession       = errors.New("cryptocore: malformed serialized session")
)

// IsFatal reports whether err leaves the session unusable, in which case the
// caller has to run a new key agreement.
func IsFatal(err error) bool {
	return errors.Is(err, ErrSkipBoundExceeded) || errors.Is(err, ErrMalformedSession)
}
