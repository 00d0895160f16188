package cliimport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/janekbaraniewski/runledger/internal/bus"
)

type memStorage struct {
	watermarks map[string]Watermark
	committed  [][]bus.Event
	failNext   error
}

func newMemStorage() *memStorage {
	return &memStorage{watermarks: make(map[string]Watermark)}
}

func (m *memStorage) Watermark(_ context.Context, path string) (Watermark, bool, error) {
	wm, ok := m.watermarks[path]
	return wm, ok, nil
}

func (m *memStorage) CommitImport(_ context.Context, path string, events []bus.Event, wm Watermark) error {
	if m.failNext != nil {
		err := m.failNext
		m.failNext = nil
		return err
	}
	m.watermarks[path] = wm
	m.committed = append(m.committed, events)
	return nil
}

type memSink struct {
	seq     uint64
	stamped []bus.Event
	events  []bus.Event // applied, in order
}

func (s *memSink) Stamp(_ context.Context, ev bus.Event) (bus.Event, error) {
	s.seq++
	ev.Seq = s.seq
	s.stamped = append(s.stamped, ev)
	return ev, nil
}

func (s *memSink) Apply(_ context.Context, ev bus.Event) (bus.Event, error) {
	s.events = append(s.events, ev)
	return ev, nil
}

func assistantLine(uuid, text string, tokens int) string {
	return fmt.Sprintf(`{"type":"assistant","sessionId":"sess-1","uuid":%q,"timestamp":"2026-03-02T10:00:00Z","message":{"role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":%q}],"usage":{"input_tokens":%d,"output_tokens":5}}}`, uuid, text, tokens)
}

func writeLog(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "session.jsonl")
	var data []byte
	for _, line := range lines {
		data = append(data, line...)
		data = append(data, '\n')
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	return path
}

func newTestImporter() (*Importer, *memStorage, *memSink) {
	storage := newMemStorage()
	sink := &memSink{}
	return NewImporter(storage, sink, NewPathLocks()), storage, sink
}

func TestImport_ParsesAndCommits(t *testing.T) {
	path := writeLog(t,
		assistantLine("u1", "hello", 10),
		assistantLine("u2", "world", 20),
	)
	im, storage, sink := newTestImporter()

	res, err := im.Import(context.Background(), CliSessionSummary{SessionID: "sess-1", FilePath: path})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	// Each assistant record synthesizes message_complete + usage_update.
	if res.EventsImported != 4 {
		t.Fatalf("EventsImported = %d, want 4", res.EventsImported)
	}
	if res.UsageIncomplete {
		t.Fatal("UsageIncomplete = true for records with usage")
	}
	if len(sink.events) != 4 {
		t.Fatalf("sink events = %d, want 4", len(sink.events))
	}

	wm := storage.watermarks[path]
	info, _ := os.Stat(path)
	if wm.Offset != info.Size() || wm.FileSize != info.Size() || wm.LastUUID != "u2" {
		t.Fatalf("watermark = %+v, file size %d", wm, info.Size())
	}
}

func TestImport_IdempotentOnUnchangedFile(t *testing.T) {
	path := writeLog(t, assistantLine("u1", "hello", 10))
	im, storage, _ := newTestImporter()
	sum := CliSessionSummary{SessionID: "sess-1", FilePath: path}

	if _, err := im.Import(context.Background(), sum); err != nil {
		t.Fatalf("first Import: %v", err)
	}
	commits := len(storage.committed)

	res, err := im.Import(context.Background(), sum)
	if err != nil {
		t.Fatalf("second Import: %v", err)
	}
	if res.EventsImported != 0 {
		t.Fatalf("EventsImported on unchanged file = %d, want 0", res.EventsImported)
	}
	if len(storage.committed) != commits {
		t.Fatal("unchanged file must not commit a new watermark")
	}
}

func TestImport_WatermarkMonotonicOnGrowingFile(t *testing.T) {
	path := writeLog(t, assistantLine("u1", "a", 1))
	im, storage, _ := newTestImporter()
	sum := CliSessionSummary{SessionID: "sess-1", FilePath: path}

	im.Import(context.Background(), sum)
	first := storage.watermarks[path]

	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	fmt.Fprintln(f, assistantLine("u2", "b", 2))
	f.Close()

	res, err := im.Import(context.Background(), sum)
	if err != nil {
		t.Fatalf("Import after growth: %v", err)
	}
	if res.EventsImported != 2 {
		t.Fatalf("EventsImported = %d, want 2 (only the appended record)", res.EventsImported)
	}
	second := storage.watermarks[path]
	if second.Offset <= first.Offset {
		t.Fatalf("offset %d -> %d, must strictly grow", first.Offset, second.Offset)
	}
}

func TestImport_TruncationRestartsAtZero(t *testing.T) {
	path := writeLog(t, assistantLine("u1", "short", 1))
	im, storage, _ := newTestImporter()
	sum := CliSessionSummary{SessionID: "sess-1", FilePath: path}

	// Watermark from a previous, much larger incarnation of the file.
	storage.watermarks[path] = Watermark{Offset: 1000, FileSize: 1000, LastUUID: "old"}

	res, err := im.Import(context.Background(), sum)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.EventsImported != 2 {
		t.Fatalf("EventsImported = %d, want 2 (full re-import)", res.EventsImported)
	}
	wm := storage.watermarks[path]
	info, _ := os.Stat(path)
	if wm.Offset != info.Size() || wm.LastUUID != "u1" {
		t.Fatalf("fresh watermark = %+v", wm)
	}
}

func TestImport_PartialTrailingLineNotConsumed(t *testing.T) {
	path := writeLog(t,
		assistantLine("u1", "one", 1),
		assistantLine("u2", "two", 2),
		assistantLine("u3", "three", 3),
	)
	// Append an incomplete line with no trailing delimiter.
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	partial := `{"type":"assistant","sessionId":"sess-1","uuid":"u4"`
	f.WriteString(partial)
	f.Close()

	im, storage, _ := newTestImporter()
	sum := CliSessionSummary{SessionID: "sess-1", FilePath: path}

	res, err := im.Import(context.Background(), sum)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.EventsImported != 6 {
		t.Fatalf("EventsImported = %d, want 6 (three complete records)", res.EventsImported)
	}
	info, _ := os.Stat(path)
	wm := storage.watermarks[path]
	if wm.Offset != info.Size()-int64(len(partial)) {
		t.Fatalf("offset = %d, want %d (stops before partial line)", wm.Offset, info.Size()-int64(len(partial)))
	}

	// Complete the line; re-import picks up exactly the remainder.
	f, _ = os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	rest := `,"timestamp":"2026-03-02T10:01:00Z","message":{"role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"four"}],"usage":{"input_tokens":4,"output_tokens":5}}}`
	f.WriteString(rest + "\n")
	f.Close()

	res, err = im.Import(context.Background(), sum)
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if res.EventsImported != 2 {
		t.Fatalf("EventsImported = %d, want 2 (only the completed record)", res.EventsImported)
	}
}

func TestImport_DedupByUUID(t *testing.T) {
	// Same unique id twice within one file.
	path := writeLog(t, assistantLine("u1", "same", 1), assistantLine("u1", "same", 1))
	im, _, _ := newTestImporter()

	res, err := im.Import(context.Background(), CliSessionSummary{SessionID: "sess-1", FilePath: path})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.EventsImported != 2 {
		t.Fatalf("EventsImported = %d, want 2 (one record applied once)", res.EventsImported)
	}
	if res.SkippedSubtypes["duplicate"] != 1 {
		t.Fatalf("duplicate skips = %d, want 1", res.SkippedSubtypes["duplicate"])
	}
}

func TestImport_DedupAgainstWatermarkUUID(t *testing.T) {
	line := assistantLine("u1", "seen", 1)
	path := writeLog(t, line)
	im, storage, _ := newTestImporter()

	// The watermark says u1 was already imported, but its offset was lost
	// (re-handed byte range).
	storage.watermarks[path] = Watermark{Offset: 0, FileSize: int64(len(line) + 1), LastUUID: "u1"}

	res, err := im.Import(context.Background(), CliSessionSummary{SessionID: "sess-1", FilePath: path})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.EventsImported != 0 {
		t.Fatalf("EventsImported = %d, want 0 (byte-identical re-read)", res.EventsImported)
	}
}

func TestImport_MalformedLinesSkippedAndCounted(t *testing.T) {
	path := writeLog(t,
		"this is not json",
		assistantLine("u1", "fine", 1),
		`{"type":"weird_subtype","sessionId":"sess-1","uuid":"u2","timestamp":"2026-03-02T10:00:00Z"}`,
	)
	im, _, _ := newTestImporter()

	res, err := im.Import(context.Background(), CliSessionSummary{SessionID: "sess-1", FilePath: path})
	if err != nil {
		t.Fatalf("malformed lines must not abort the import: %v", err)
	}
	if res.EventsImported != 2 {
		t.Fatalf("EventsImported = %d, want 2", res.EventsImported)
	}
	if res.SkippedSubtypes["malformed"] != 1 || res.SkippedSubtypes["weird_subtype"] != 1 {
		t.Fatalf("SkippedSubtypes = %v", res.SkippedSubtypes)
	}
}

func TestImport_LegacyRecordSetsUsageIncomplete(t *testing.T) {
	path := writeLog(t,
		`{"type":"assistant","sessionId":"sess-1","uuid":"u1","timestamp":"2026-03-02T10:00:00Z","message":{"role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"no usage"}]}}`,
	)
	im, _, _ := newTestImporter()

	res, err := im.Import(context.Background(), CliSessionSummary{SessionID: "sess-1", FilePath: path})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if !res.UsageIncomplete {
		t.Fatal("UsageIncomplete = false for a record without usage")
	}
}

func TestImport_ToolResultSynthesizesToolEnd(t *testing.T) {
	path := writeLog(t,
		`{"type":"assistant","sessionId":"sess-1","uuid":"u1","timestamp":"2026-03-02T10:00:00Z","message":{"role":"assistant","model":"m","content":[{"type":"tool_use","id":"t1","name":"Bash","input":{"command":"ls"}}],"usage":{"input_tokens":1,"output_tokens":1}}}`,
		`{"type":"user","sessionId":"sess-1","uuid":"u2","timestamp":"2026-03-02T10:00:01Z","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"files"}]}}`,
	)
	im, _, sink := newTestImporter()

	if _, err := im.Import(context.Background(), CliSessionSummary{SessionID: "sess-1", FilePath: path}); err != nil {
		t.Fatalf("Import: %v", err)
	}

	var types []bus.Type
	for _, ev := range sink.events {
		types = append(types, ev.Type)
	}
	want := []bus.Type{bus.TypeToolStart, bus.TypeMessageComplete, bus.TypeUsageUpdate, bus.TypeToolEnd}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestImport_FailedCommitLeavesWatermark(t *testing.T) {
	path := writeLog(t, assistantLine("u1", "a", 1))
	im, storage, sink := newTestImporter()
	storage.failNext = errors.New("disk full")

	if _, err := im.Import(context.Background(), CliSessionSummary{SessionID: "sess-1", FilePath: path}); err == nil {
		t.Fatal("expected commit failure to surface")
	}
	if _, ok := storage.watermarks[path]; ok {
		t.Fatal("failed commit must leave no watermark")
	}
	if len(sink.events) != 0 {
		t.Fatalf("failed commit applied %d events to the live pipeline, want 0", len(sink.events))
	}

	// Retry succeeds, reprocesses the same range and applies it exactly
	// once: the first pass never reached the consumers.
	res, err := im.Import(context.Background(), CliSessionSummary{SessionID: "sess-1", FilePath: path})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.EventsImported != 2 {
		t.Fatalf("retry EventsImported = %d, want 2", res.EventsImported)
	}
	if len(sink.events) != 2 {
		t.Fatalf("applied events after retry = %d, want 2 (no double delivery)", len(sink.events))
	}
}

func TestImport_MissingFileIsRecoverable(t *testing.T) {
	im, storage, _ := newTestImporter()
	storage.watermarks["/gone.jsonl"] = Watermark{Offset: 10, FileSize: 10}

	if _, err := im.Import(context.Background(), CliSessionSummary{SessionID: "s", FilePath: "/gone.jsonl"}); err == nil {
		t.Fatal("expected error for missing file")
	}
	if wm := storage.watermarks["/gone.jsonl"]; wm.Offset != 10 {
		t.Fatalf("watermark mutated on I/O failure: %+v", wm)
	}
}

func TestImport_PathLockContention(t *testing.T) {
	path := writeLog(t, assistantLine("u1", "a", 1))
	im, _, _ := newTestImporter()

	im.locks.TryLock(path)
	_, err := im.Import(context.Background(), CliSessionSummary{SessionID: "s", FilePath: path})
	if !errors.Is(err, ErrImportInProgress) {
		t.Fatalf("err = %v, want ErrImportInProgress", err)
	}
	im.locks.Unlock(path)

	if _, err := im.Import(context.Background(), CliSessionSummary{SessionID: "s", FilePath: path}); err != nil {
		t.Fatalf("Import after unlock: %v", err)
	}
}

func TestImport_CancelledContextCommitsNothing(t *testing.T) {
	path := writeLog(t, assistantLine("u1", "a", 1))
	im, storage, _ := newTestImporter()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := im.Import(ctx, CliSessionSummary{SessionID: "s", FilePath: path}); err == nil {
		t.Fatal("expected cancellation error")
	}
	if len(storage.committed) != 0 {
		t.Fatal("cancelled import must commit nothing")
	}
}

func TestSync_ReportsWithoutCommitting(t *testing.T) {
	path := writeLog(t, assistantLine("u1", "a", 1))
	im, storage, sink := newTestImporter()

	res, err := im.Sync(context.Background(), CliSessionSummary{SessionID: "sess-1", FilePath: path})
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if res.NewEvents != 2 {
		t.Fatalf("NewEvents = %d, want 2", res.NewEvents)
	}
	if res.NewWatermark.LastUUID != "u1" || res.NewWatermark.Offset == 0 {
		t.Fatalf("NewWatermark = %+v", res.NewWatermark)
	}
	if len(storage.committed) != 0 || len(sink.events) != 0 || len(sink.stamped) != 0 {
		t.Fatal("Sync must not stamp, apply or commit")
	}
}

func TestImport_OversizedLineSkippedAndCounted(t *testing.T) {
	valid := assistantLine("u1", "fits", 1)
	giant := `{"type":"assistant","sessionId":"sess-1","uuid":"big","padding":"` +
		strings.Repeat("x", 8192) + `"}`
	path := writeLog(t, giant, valid)

	im, storage, _ := newTestImporter()
	im.MaxLineBytes = 256

	res, err := im.Import(context.Background(), CliSessionSummary{SessionID: "sess-1", FilePath: path})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.SkippedSubtypes["oversized"] != 1 {
		t.Fatalf("oversized skips = %d, want 1", res.SkippedSubtypes["oversized"])
	}
	if res.EventsImported != 2 {
		t.Fatalf("EventsImported = %d, want 2 (the valid record still lands)", res.EventsImported)
	}
	info, _ := os.Stat(path)
	if wm := storage.watermarks[path]; wm.Offset != info.Size() {
		t.Fatalf("offset = %d, want %d (oversized line consumed)", wm.Offset, info.Size())
	}
}

func TestImport_OversizedPartialTrailingLineNotConsumed(t *testing.T) {
	valid := assistantLine("u1", "ok", 1)
	path := writeLog(t, valid)
	// A huge line still being appended, no delimiter yet.
	f, _ := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	f.WriteString(strings.Repeat("y", 4096))
	f.Close()

	im, storage, _ := newTestImporter()
	im.MaxLineBytes = 256

	res, err := im.Import(context.Background(), CliSessionSummary{SessionID: "sess-1", FilePath: path})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.EventsImported != 2 {
		t.Fatalf("EventsImported = %d, want 2", res.EventsImported)
	}
	if wm := storage.watermarks[path]; wm.Offset != int64(len(valid)+1) {
		t.Fatalf("offset = %d, want %d (stops before the unterminated line)", wm.Offset, len(valid)+1)
	}
}

func TestImport_MissingTimestampBucketsUnderImportTime(t *testing.T) {
	path := writeLog(t,
		`{"type":"assistant","sessionId":"sess-1","uuid":"u1","message":{"role":"assistant","model":"claude-sonnet-4","content":[{"type":"text","text":"undated"}],"usage":{"input_tokens":3,"output_tokens":1}}}`,
	)
	im, _, sink := newTestImporter()
	passTime := time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC)
	im.Now = func() time.Time { return passTime }

	if _, err := im.Import(context.Background(), CliSessionSummary{SessionID: "sess-1", FilePath: path}); err != nil {
		t.Fatalf("Import: %v", err)
	}
	if len(sink.events) == 0 {
		t.Fatal("no events applied")
	}
	for _, ev := range sink.events {
		if !ev.Timestamp.Equal(passTime) {
			t.Fatalf("event %s timestamp = %v, want the pass time (never the zero day)", ev.Type, ev.Timestamp)
		}
	}
}
