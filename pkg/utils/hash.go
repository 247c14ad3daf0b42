package utils

import (
	"golang.org/x/crypto/bcrypt"
)

// HashAccessKey hashes a plain access key using bcrypt. Used by cmd/keygen to
// produce the ACCESS_KEY_HASH value.
func HashAccessKey(key string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckAccessKey compares a plain access key with its bcrypt hash.
func CheckAccessKey(plain, hashed string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain))
	return err == nil
}
