package dagstore

import (
	"github.com/agenthands/dagstore/pkg/core"
)

var (
	ErrBlockNotFound = core.ErrBlockNotFound
	ErrInvalidHash   = core.ErrInvalidHash
	ErrInvalidInput  = core.ErrInvalidInput
	ErrCorrupt       = core.ErrCorrupt
	ErrTooLarge      = core.ErrTooLarge
	ErrClosed        = core.ErrClosed
)
