package utils

import "golang.org/x/crypto/bcrypt"

// HashKey returns a bcrypt hash of an operator API key.
func HashKey(key string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckKey compares a bcrypt hash with a presented key.
func CheckKey(hashedKey, key string) bool {
	if hashedKey == "" || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hashedKey), []byte(key)) == nil
}
