// Package password hashes and checks member passwords with bcrypt.
package password

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/OCAP2/locsync/pkg/core"
)

// Cost is the bcrypt cost used by Hash. Tests lower it.
var Cost = bcrypt.DefaultCost

// MinLength is the shortest accepted password.
const MinLength = 4

// Hash returns the bcrypt hash of plain.
func Hash(plain string) (string, error) {
	if len(plain) < MinLength {
		return "", fmt.Errorf("password must be at least %d characters", MinLength)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(plain), Cost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(h), nil
}

// Check compares plain with a stored hash. A mismatch returns core.ErrUnauthorized.
func Check(hash, plain string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return core.ErrUnauthorized
	}
	if err != nil {
		return fmt.Errorf("checking password: %w", err)
	}
	return nil
}
