package pipeline

import "errors"

var (
	// ErrQueueClosed is returned by Get once a queue is closed and drained.
	ErrQueueClosed = errors.New("queue closed")
	// ErrNoReplaySource is returned by Start when no recording was configured.
	ErrNoReplaySource = errors.New("replay source must be set")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("pipeline already started")
	// ErrNoNodes is returned by Start when no sensor node was created.
	ErrNoNodes = errors.New("pipeline has no sensor nodes")
	// ErrStreamMissing is returned by Start when the recording lacks a stream a node needs.
	ErrStreamMissing = errors.New("recording has no stream for node")
	// ErrInvalidNode is returned by Start when a node's properties are inconsistent.
	ErrInvalidNode = errors.New("invalid node configuration")
)
