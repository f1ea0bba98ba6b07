package server

import (
	"golang.org/x/crypto/bcrypt"
)

// hashPassword derives a one-way hash for a room password. The plaintext is
// never stored.
func hashPassword(password string, cost int) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), cost)
}

// verifyPassword reports whether password matches the stored hash.
func verifyPassword(hash []byte, password string) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}
