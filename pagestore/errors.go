package pagestore

import "github.com/pkg/errors"

var (
	errInvalidNamespace  = errors.New("pagestore: namespace exceeds 255")
	errInvalidPageNumber = errors.New("pagestore: page number exceeds 2^48-1")
	errNotOpenForAppend  = errors.New("pagestore: page is not open for append")
	errAlreadyOpen       = errors.New("pagestore: page already open for append")
	errChecksumMismatch  = errors.New("pagestore: page checksum mismatch")
)
