package lcconsensus

import "errors"

// ErrMissingNode is reported by the authenticated-tree collaborators when
// a required node is absent during apply or flush.
// It is one of the two errors allowed to escape a consensus round.
var ErrMissingNode = errors.New("missing node in authenticated tree")
