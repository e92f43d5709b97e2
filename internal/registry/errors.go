package registry

import (
	"errors"
	"fmt"
)

// Error variables for registry errors
var (
	// ErrPackageNotFound is returned when the registry has no such package
	ErrPackageNotFound = errors.New("package not found")
	// ErrNoSatisfyingVersion is returned when no published version matches
	ErrNoSatisfyingVersion = errors.New("no version satisfies range")
	// ErrInvalidResponse is returned when a registry response fails validation
	ErrInvalidResponse = errors.New("invalid registry response")
)

// RegistryError wraps a failed registry operation with its context
type RegistryError struct {
	Op       string
	Package  string
	Registry string
	Err      error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("registry %s %s (%s): %v", e.Op, e.Package, e.Registry, e.Err)
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}

// PackageFailure records a package that could not be queried
type PackageFailure struct {
	Package string `json:"package"`
	Error   string `json:"error"`
	Err     error  `json:"-"`
}
