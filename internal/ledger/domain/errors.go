package domain

import "errors"

var (
	ErrInvalidUser        = errors.New("invalid_user")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrInvalidReferenceID = errors.New("invalid_reference_id")
	ErrInvalidSource      = errors.New("invalid_source")
)
