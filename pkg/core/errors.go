package core

import (
	"errors"
)

// Codec errors. Every decode/validate failure wraps exactly one of these.
var (
	ErrUnexpectedCode   = errors.New("dagstore: unexpected cbor code")
	ErrUnknownTag       = errors.New("dagstore: unknown cbor tag")
	ErrLengthOutOfRange = errors.New("dagstore: length out of range")
	ErrNumberOutOfRange = errors.New("dagstore: number out of range")
	ErrIo               = errors.New("dagstore: io error")
	ErrUtf8             = errors.New("dagstore: invalid utf-8")
	ErrTrailingBytes    = errors.New("dagstore: trailing bytes after item")
)

// Store errors.
var (
	ErrBlockNotFound    = errors.New("dagstore: block not found")
	ErrInvalidHash      = errors.New("dagstore: invalid hash")
	ErrUnsupportedCodec = errors.New("dagstore: unsupported codec")
	ErrInvalidInput     = errors.New("dagstore: invalid input")
	ErrCorrupt          = errors.New("dagstore: corrupt data")
	ErrTooLarge         = errors.New("dagstore: too large")
	ErrClosed           = errors.New("dagstore: store closed")
)
