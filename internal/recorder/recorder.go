// Package recorder persists broker traffic to compressed bundles so flaky
// scenario failures can be diagnosed after the fact.
package recorder

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"loomboard/harness/internal/message"
)

var bundleNameCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Manifest describes the bundle layout so tooling can locate artefacts.
type Manifest struct {
	Version        int    `json:"version"`
	BundleID       string `json:"bundle_id"`
	RunID          string `json:"run_id"`
	CreatedAt      string `json:"created_at"`
	EventsPath     string `json:"events_path"`
	DeliveriesPath string `json:"deliveries_path"`
}

// Recorder streams broker traffic to disk: a snappy-framed JSONL log of
// broadcast envelopes and a zstd stream of per-target delivery outcomes.
type Recorder struct {
	mu             sync.Mutex
	dir            string
	now            func() time.Time
	seq            uint64
	eventFile      *os.File
	eventStream    *snappy.Writer
	deliveryFile   *os.File
	deliveryStream *zstd.Encoder
	closed         bool
}

// NewRecorder prepares the bundle directory and opens the compressed sinks.
func NewRecorder(root, runID string, clock func() time.Time) (*Recorder, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("recorder root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := bundleNameCleaner.ReplaceAllString(runID, "")
	if cleaned == "" {
		cleaned = "run"
	}
	created := clock().UTC()
	folder := fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z"))
	path := filepath.Join(root, folder)

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	eventsPath := filepath.Join(path, "events.jsonl.sz")
	deliveriesPath := filepath.Join(path, "deliveries.bin.zst")
	manifestPath := filepath.Join(path, "manifest.json")

	eventFile, err := os.Create(eventsPath)
	if err != nil {
		return nil, Manifest{}, err
	}
	eventStream := snappy.NewBufferedWriter(eventFile)

	deliveryFile, err := os.Create(deliveriesPath)
	if err != nil {
		eventFile.Close()
		return nil, Manifest{}, err
	}
	deliveryStream, err := zstd.NewWriter(deliveryFile)
	if err != nil {
		eventStream.Close()
		eventFile.Close()
		deliveryFile.Close()
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:        1,
		BundleID:       uuid.NewString(),
		RunID:          runID,
		CreatedAt:      created.Format(time.RFC3339Nano),
		EventsPath:     "events.jsonl.sz",
		DeliveriesPath: "deliveries.bin.zst",
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		err = os.WriteFile(manifestPath, data, 0o644)
	}
	if err != nil {
		deliveryStream.Close()
		deliveryFile.Close()
		eventStream.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}

	recorder := &Recorder{
		dir:            path,
		now:            clock,
		eventFile:      eventFile,
		eventStream:    eventStream,
		deliveryFile:   deliveryFile,
		deliveryStream: deliveryStream,
	}
	return recorder, manifest, nil
}

// Directory exposes the directory backing the bundle.
func (r *Recorder) Directory() string {
	if r == nil {
		return ""
	}
	return r.dir
}

// EventRecord is one line of the broadcast event log.
type EventRecord struct {
	Seq        uint64          `json:"seq"`
	CapturedAt string          `json:"captured_at"`
	Envelope   json.RawMessage `json:"envelope"`
}

// RecordMessage appends the broadcast envelope to the compressed event log.
// Failures are swallowed: recording must never perturb the run under test.
func (r *Recorder) RecordMessage(msg *message.Message) {
	if r == nil || msg == nil {
		return
	}
	envelope, err := msg.Encode()
	if err != nil {
		return
	}
	captured := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.seq++
	record := EventRecord{
		Seq:        r.seq,
		CapturedAt: captured.Format(time.RFC3339Nano),
		Envelope:   envelope,
	}
	line, err := json.Marshal(record)
	if err != nil {
		return
	}
	//1.- Flush each line so a crashing scenario still leaves a readable log.
	if _, err := r.eventStream.Write(append(line, '\n')); err != nil {
		return
	}
	_ = r.eventStream.Flush()
}

// DeliveryRecord is one per-target outcome in the delivery log.
type DeliveryRecord struct {
	CapturedAt time.Time
	Target     string
	MsgID      string
	Outcome    string
	Latency    time.Duration
}

// RecordDelivery appends one per-target delivery outcome.
func (r *Recorder) RecordDelivery(target, msgID, outcome string, latency time.Duration) {
	if r == nil {
		return
	}
	captured := r.now().UTC()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	//1.- Length-prefix every field so readers can step the stream efficiently.
	header := make([]byte, 8+8)
	binary.LittleEndian.PutUint64(header[0:8], uint64(captured.UnixNano()))
	binary.LittleEndian.PutUint64(header[8:16], uint64(latency))
	if _, err := r.deliveryStream.Write(header); err != nil {
		return
	}
	for _, field := range []string{target, msgID, outcome} {
		var size [4]byte
		binary.LittleEndian.PutUint32(size[:], uint32(len(field)))
		if _, err := r.deliveryStream.Write(size[:]); err != nil {
			return
		}
		if _, err := r.deliveryStream.Write([]byte(field)); err != nil {
			return
		}
	}
}

// Flush forces buffered records to disk.
func (r *Recorder) Flush() error {
	if r == nil {
		return fmt.Errorf("recorder not initialised")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if err := r.eventStream.Flush(); err != nil {
		return err
	}
	return r.deliveryStream.Flush()
}

// Close flushes all buffers and releases the file handles. The first failure
// is surfaced for callers to inspect.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var firstErr error
	if err := r.eventStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.eventFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.deliveryStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := r.deliveryFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
