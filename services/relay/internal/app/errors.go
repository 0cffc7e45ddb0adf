package app

import "errors"

var (
	// ErrInvalidInbound indicates a webhook without sender or recipient.
	ErrInvalidInbound = errors.New("inbound message requires from and to")
	ErrJobNotFailed   = errors.New("only failed jobs can be replayed")
)
