package pipeline

import "errors"

// ErrValidation indicates a request the caller must fix before retrying.
var ErrValidation = errors.New("validation failed")
