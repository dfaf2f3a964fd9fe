package enums

import (
	"fmt"
	"strings"
)

// BookStatus filters catalog listings by availability.
type BookStatus string

const (
	BookStatusAvailable BookStatus = "available"
	BookStatusBorrowed  BookStatus = "borrowed"
)

func (s BookStatus) String() string {
	return string(s)
}

// ParseBookStatus accepts "available" or "borrowed" in any case; empty input yields "".
func ParseBookStatus(value string) (BookStatus, error) {
	switch BookStatus(strings.ToLower(strings.TrimSpace(value))) {
	case "":
		return "", nil
	case BookStatusAvailable:
		return BookStatusAvailable, nil
	case BookStatusBorrowed:
		return BookStatusBorrowed, nil
	}
	return "", fmt.Errorf("invalid book status %q", value)
}
