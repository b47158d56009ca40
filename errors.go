package chatsync

import "github.com/pkg/errors"

var (
	// ErrInvalidMessage is returned by the normalizer when a payload cannot
	// be turned into a message. Such payloads are never inserted.
	ErrInvalidMessage = errors.New("not a valid message")

	// ErrNotFound is returned when the referenced message is not in the log.
	ErrNotFound = errors.New("the message cannot be found")

	// ErrNotFailed is returned when retrying or discarding a message that is
	// not in the failed state.
	ErrNotFailed = errors.New("the message has not failed")

	// ErrInvalidReaction is returned if a reaction is not a single emoji.
	ErrInvalidReaction = errors.New(
		"the reaction is not valid, it must be a single emoji")

	// ErrUnknownEvent is returned when decoding an envelope of an unknown
	// type.
	ErrUnknownEvent = errors.New("unknown real-time event type")

	// ErrClosed is returned when using an engine or bus after Close.
	ErrClosed = errors.New("the engine has been closed")
)
