package core

import (
	"errors"
)

var (
	ErrUnknownAsset    = errors.New("asset id not present in manifest")
	ErrUnknownLevel    = errors.New("level id not present in manifest")
	ErrDependencyCycle = errors.New("dependency cycle in manifest")
	ErrShutdown        = errors.New("streamer has been shut down")
	ErrUnknown         = errors.New("unknown")
)
