package approval

import "errors"

var (
	ErrNotFound        = errors.New("approval request not found")
	ErrAlreadyResolved = errors.New("approval request already resolved")
	ErrInvalidOutcome  = errors.New("invalid approval outcome")
	ErrNotApprovable   = errors.New("decision does not require approval")
)
