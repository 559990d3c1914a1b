package app

import "errors"

var (
	// ErrInvalidScore is returned for rating scores outside 0..5.
	ErrInvalidScore = errors.New("score must be between 0 and 5")
)
