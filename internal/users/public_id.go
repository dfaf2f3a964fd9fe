package users

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"time"
)

const publicIDLetters = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"

var publicIDPattern = regexp.MustCompile(`^[0-9]{4}-[A-Z]{4}-[0-9]{6}$`)

// NewPublicID builds a member id shaped YYYY-ABCD-123456 from the registration year.
func NewPublicID(now time.Time) (string, error) {
	letters := make([]byte, 4)
	for i := range letters {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(publicIDLetters))))
		if err != nil {
			return "", err
		}
		letters[i] = publicIDLetters[n.Int64()]
	}
	digits, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d-%s-%06d", now.Year(), letters, digits.Int64()), nil
}

// IsPublicID reports whether value has the member id shape.
func IsPublicID(value string) bool {
	return publicIDPattern.MatchString(value)
}
