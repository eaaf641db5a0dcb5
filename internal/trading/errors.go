package trading

import "errors"

// ErrInvariant marks programmer or data errors: a non-positive quantity, a
// close directive for an untracked position, a malformed tick. It aborts the
// operation that hit it and is never folded into a business rejection.
var ErrInvariant = errors.New("invariant violation")
