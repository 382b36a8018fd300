package app

import "fmt"

// DomainError is a failure with a fixed HTTP mapping: validation
// rejections, permission denials, lifecycle conflicts. Anything else
// surfaces as a generic server error.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
