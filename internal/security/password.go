package security

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// operatorHashCost is the bcrypt work factor for operator passwords.
const operatorHashCost = 12

// HashPassword derives a bcrypt hash for an operator password.
func HashPassword(password string) (string, error) {
	hash, errHash := bcrypt.GenerateFromPassword([]byte(password), operatorHashCost)
	if errHash != nil {
		return "", fmt.Errorf("security: hash password: %w", errHash)
	}
	return string(hash), nil
}

// CheckPassword reports whether a plaintext password matches a stored hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
