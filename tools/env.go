package tools

import (
	"os"
	"strconv"
)

func GetenvDefault(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// GetenvInt returns the integer value of key. ok is false when the variable
// is unset or does not parse as an integer.
func GetenvInt(key string) (value int, ok bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return value, true
}
