package deadletter

import "errors"

var (
	ErrNotFound       = errors.New("dead-letter entry not found")
	ErrNotQuarantined = errors.New("entry is not quarantined")
)
