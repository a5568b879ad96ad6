package models

import "errors"

// ErrUnknownModel is returned when a model name is not in the catalog.
var ErrUnknownModel = errors.New("unknown model")
