package registry

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when the requested entity does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a create collides with an existing
	// entity whose definition differs
	ErrConflict = errors.New("already exists with a different definition")
)

// InvalidLaunchSpecificationsError lists every region/instance type
// combination that failed validation. It always carries at least one
// reason.
type InvalidLaunchSpecificationsError struct {
	Reasons []string
}

func (e *InvalidLaunchSpecificationsError) Error() string {
	return fmt.Sprintf("invalid launch specifications (%d): %s", len(e.Reasons), strings.Join(e.Reasons, "; "))
}

func invalidLaunchSpecifications(reasons []string) error {
	if len(reasons) == 0 {
		return nil
	}
	return &InvalidLaunchSpecificationsError{Reasons: reasons}
}
