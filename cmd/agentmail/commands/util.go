package commands

import (
	"fmt"
	"strconv"
)

// parsePositiveID parses s as a positive integer id, used where a command
// argument may be either a numeric id or a human-readable name/slug.
func parsePositiveID(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("id must be positive")
	}
	return n, nil
}
