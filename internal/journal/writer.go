package journal

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

var segmentNameCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// digestInterval bounds how often accumulated per-destination counters are
// flushed to the binary digest stream.
const digestInterval = 200 * time.Millisecond

// Manifest describes a journal segment's layout so audit tooling can locate
// its streams without re-deriving file names.
type Manifest struct {
	Version      int    `json:"version"`
	CreatedAt    string `json:"created_at"`
	EventsPath   string `json:"events_path"`
	DigestsPath  string `json:"digests_path"`
	DigestMillis int    `json:"digest_interval_ms"`
}

// Writer persists a running audit trail of dispatched MESSAGE traffic: one
// snappy-compressed JSONL line per recorded message, plus a zstd-compressed
// stream of periodic per-destination message-count digests. It is never consulted for
// redelivery; a Writer failure never blocks the dispatch path it is
// recording.
type Writer struct {
	mu           sync.Mutex
	dir          string
	brokerID     string
	now          func() time.Time
	eventFile    *os.File
	eventStream  *snappy.Writer
	digestFile   *os.File
	digestStream *zstd.Encoder
	counts       map[string]int64
	lastFlush    time.Time
}

// NewWriter opens a new segment directory under root named after brokerID and
// the segment's creation time, and opens its compressed streams.
func NewWriter(root, brokerID string, clock func() time.Time) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("journal root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := segmentNameCleaner.ReplaceAllString(brokerID, "")
	if cleaned == "" {
		cleaned = "broker"
	}
	created := clock().UTC()
	folder := fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z"))
	dir := filepath.Join(root, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	eventsPath := filepath.Join(dir, "events.jsonl.sz")
	digestsPath := filepath.Join(dir, "digests.bin.zst")
	manifestPath := filepath.Join(dir, "manifest.json")

	eventFile, err := os.Create(eventsPath)
	if err != nil {
		return nil, Manifest{}, err
	}
	eventStream := snappy.NewBufferedWriter(eventFile)

	digestFile, err := os.Create(digestsPath)
	if err != nil {
		eventFile.Close()
		return nil, Manifest{}, err
	}
	digestStream, err := zstd.NewWriter(digestFile)
	if err != nil {
		eventStream.Close()
		eventFile.Close()
		digestFile.Close()
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:      1,
		CreatedAt:    created.Format(time.RFC3339Nano),
		EventsPath:   "events.jsonl.sz",
		DigestsPath:  "digests.bin.zst",
		DigestMillis: int(digestInterval / time.Millisecond),
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		digestStream.Close()
		digestFile.Close()
		eventStream.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}
	if err := os.WriteFile(manifestPath, data, 0o644); err != nil {
		digestStream.Close()
		digestFile.Close()
		eventStream.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}

	return &Writer{
		dir:          dir,
		brokerID:     brokerID,
		now:          clock,
		eventFile:    eventFile,
		eventStream:  eventStream,
		digestFile:   digestFile,
		digestStream: digestStream,
		counts:       make(map[string]int64),
	}, manifest, nil
}

// Directory exposes the segment directory backing this writer.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// RecordMessage appends one audit line for a dispatched MESSAGE and folds it
// into the running per-destination digest. It satisfies stomp.Journal.
func (w *Writer) RecordMessage(destination, messageID string, body []byte) error {
	if w == nil {
		return fmt.Errorf("journal writer not initialised")
	}
	recorded := w.now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()

	record := struct {
		Destination string `json:"destination"`
		MessageID   string `json:"message_id"`
		RecordedAt  string `json:"recorded_at"`
		BodyB64     string `json:"body_b64"`
	}{
		Destination: destination,
		MessageID:   messageID,
		RecordedAt:  recorded.Format(time.RFC3339Nano),
		BodyB64:     base64.StdEncoding.EncodeToString(body),
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := w.eventStream.Write(line); err != nil {
		return err
	}
	if _, err := w.eventStream.Write([]byte("\n")); err != nil {
		return err
	}
	if err := w.eventStream.Flush(); err != nil {
		return err
	}

	w.counts[destination]++
	if w.lastFlush.IsZero() {
		w.lastFlush = recorded
		return nil
	}
	if recorded.Sub(w.lastFlush) >= digestInterval {
		if err := w.flushDigestLocked(recorded); err != nil {
			return err
		}
		w.lastFlush = recorded
	}
	return nil
}

// Flush forces the current digest snapshot to be written regardless of
// cadence.
func (w *Writer) Flush() error {
	if w == nil {
		return fmt.Errorf("journal writer not initialised")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.flushDigestLocked(w.now().UTC()); err != nil {
		return err
	}
	w.lastFlush = w.now().UTC()
	return nil
}

// Close flushes and releases every stream, persisting the segment header.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	headerPath := filepath.Join(w.dir, "header.json")
	header := Header{
		SchemaVersion: HeaderSchemaVersion,
		BrokerID:      w.brokerID,
		StartedAt:     w.lastFlush.Format(time.RFC3339Nano),
		FilePointer:   "manifest.json",
	}
	if err := WriteHeader(headerPath, header); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.flushDigestLocked(w.now().UTC()); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.eventStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.eventFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.digestStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.digestFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// flushDigestLocked writes one length-prefixed digest record per destination
// with outstanding counts; callers must hold the mutex.
func (w *Writer) flushDigestLocked(at time.Time) error {
	if len(w.counts) == 0 {
		return nil
	}
	names := make([]string, 0, len(w.counts))
	for name := range w.counts {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		count := w.counts[name]
		nameBytes := []byte(name)
		header := make([]byte, 8+8+4)
		binary.LittleEndian.PutUint64(header[0:8], uint64(at.UnixNano()))
		binary.LittleEndian.PutUint64(header[8:16], uint64(count))
		binary.LittleEndian.PutUint32(header[16:20], uint32(len(nameBytes)))
		if _, err := w.digestStream.Write(header); err != nil {
			return err
		}
		if _, err := w.digestStream.Write(nameBytes); err != nil {
			return err
		}
	}
	w.counts = make(map[string]int64)
	return nil
}
