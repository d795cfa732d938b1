package meetings

import "errors"

var (
	ErrNotFound          = errors.New("meeting not found")
	ErrInvalidExtraction = errors.New("invalid extraction result")
)
