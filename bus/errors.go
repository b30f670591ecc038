package bus

import "errors"

// ErrDuplicateChannel is returned by New when an extra channel reuses the
// kind of a channel the bus already registered.
var ErrDuplicateChannel = errors.New("channel kind already registered")
