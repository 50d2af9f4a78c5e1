package app

import "errors"

// ErrForbidden is returned when an authenticated caller does not own the document.
var ErrForbidden = errors.New("forbidden")
