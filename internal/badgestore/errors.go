package badgestore

import "errors"

// ErrInvariantViolated is returned when a mutator is asked to store a
// badge-kind that contradicts the kind already recorded for a path,
// mirroring CBadgeIconBase.cpp's "Invalid badgeType" throw — aborted and
// logged here instead of thrown to the host.
var ErrInvariantViolated = errors.New("badgestore: stored badge-kind contradicts request")
