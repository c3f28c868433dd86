package store

import "errors"

// ErrInvalidSequence is returned when an entry's Sequence is not >= 1.
var ErrInvalidSequence = errors.New("store: sequence must be >= 1")

// IntegrityError reports that a duplicate (author, sequence) arrived with a
// payload fingerprint different from the first-stored entry, per spec
// §4.5's ordering & tie-breaking rule.
type IntegrityError struct {
	Channel  string
	Stream   string
	Author   string
	Sequence uint32
}

func (e *IntegrityError) Error() string {
	return "store: integrity mismatch for " + e.Channel + "/" + e.Stream + "/" + e.Author
}
