package monitor

import (
	"bytes"
	"encoding/json"
	"io"
)

func marshalPayload(v interface{}) (json.RawMessage, error) {
	return json.Marshal(v)
}

// memorySnapshotSink is a minimal in-memory raft.SnapshotSink for
// exercising FSM.Snapshot/Restore without a real raft.FileSnapshotStore.
type memorySnapshotSink struct {
	bytes.Buffer
	id        string
	cancelled bool
}

func newMemorySnapshotSink() *memorySnapshotSink {
	return &memorySnapshotSink{id: "test-snapshot"}
}

func (s *memorySnapshotSink) ID() string   { return s.id }
func (s *memorySnapshotSink) Cancel() error { s.cancelled = true; return nil }
func (s *memorySnapshotSink) Close() error  { return nil }

func (s *memorySnapshotSink) readCloser() io.ReadCloser {
	return io.NopCloser(bytes.NewReader(s.Bytes()))
}
