package eventcore

import "fmt"

// StreamState is the concurrency expectation attached to an append.
type StreamState interface {
	isStreamState()
}

// Any means append without checking current revision.
type Any struct{}

// NoStream means the stream should not exist yet.
type NoStream struct{}

// StreamExists means the stream must exist.
type StreamExists struct{}

// Revision matches exactly a numeric revision, i.e. the number of events already stored.
type Revision uint64

func (Any) isStreamState()          {}
func (NoStream) isStreamState()     {}
func (StreamExists) isStreamState() {}
func (Revision) isStreamState()     {}

// ExpectRevision returns the StreamState an aggregate at version v expects.
func ExpectRevision(v uint64) StreamState {
	if v == 0 {
		return NoStream{}
	}
	return Revision(v)
}

// CheckRevision validates state against the current number of events in stream.
// Backends call it while holding whatever lock serializes appends to the stream.
func CheckRevision(stream string, state StreamState, current uint64) error {
	switch rev := state.(type) {
	case Any:
		return nil
	case NoStream:
		if current != 0 {
			return StreamRevisionConflictError{Stream: stream, ExpectedRevision: 0, ActualRevision: Revision(current)}
		}
	case StreamExists:
		if current == 0 {
			return fmt.Errorf("stream %q: should exist: %w", stream, ErrStreamRevisionConflict)
		}
	case Revision:
		if current != uint64(rev) {
			return StreamRevisionConflictError{Stream: stream, ExpectedRevision: rev, ActualRevision: Revision(current)}
		}
	default:
		return fmt.Errorf("unsupported revision type %T for stream %s: %w", state, stream, ErrInvalidRevision)
	}
	return nil
}
