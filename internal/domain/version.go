package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DataVersion scopes every completion record and executor parameter of one
// logical run of the whole pipeline.
type DataVersion string

const dataVersionLayout = "hannibal-06.01"

// DefaultDataVersion derives the month-scoped version tag used when none is given.
func DefaultDataVersion(now time.Time) DataVersion {
	return DataVersion(now.Format(dataVersionLayout))
}

func (v DataVersion) String() string {
	return string(v)
}

func (v DataVersion) Validate() error {
	raw := string(v)
	if strings.TrimSpace(raw) == "" {
		return errors.New("data version is required")
	}
	if raw != strings.TrimSpace(raw) {
		return fmt.Errorf("data version %q must not contain surrounding whitespace", raw)
	}
	if strings.ContainsAny(raw, "/\\") {
		return fmt.Errorf("data version %q must not contain path separators", raw)
	}
	if raw == "." || raw == ".." {
		return fmt.Errorf("data version %q is not a valid path segment", raw)
	}
	return nil
}
