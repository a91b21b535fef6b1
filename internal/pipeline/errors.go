package pipeline

import "errors"

// ErrConsentDenied is returned when the supplied consent token does not
// validate for the submitting user.
var ErrConsentDenied = errors.New("pipeline: consent denied")
