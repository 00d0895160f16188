package cliimport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/janekbaraniewski/runledger/internal/bus"
)

const defaultMaxLineBytes = 10 * 1024 * 1024

// Sink stamps and applies synthesized events. Stamp validates an event and
// assigns its id and sequence number without touching the live consumers;
// Apply fans a previously stamped event out. The split lets the importer
// make a whole batch durable before any consumer sees it, so a failed
// commit followed by a retry never double-applies.
type Sink interface {
	Stamp(ctx context.Context, ev bus.Event) (bus.Event, error)
	Apply(ctx context.Context, ev bus.Event) (bus.Event, error)
}

// Storage loads and atomically commits watermark state. CommitImport must
// persist the events and the watermark together: a failed commit leaves the
// watermark at its pre-import value so a retry reprocesses the same range.
type Storage interface {
	Watermark(ctx context.Context, filePath string) (Watermark, bool, error)
	CommitImport(ctx context.Context, filePath string, events []bus.Event, wm Watermark) error
}

// Importer incrementally parses session logs into bus events. Safe for
// concurrent use across distinct file paths; per-path passes are serialized
// by the lock registry.
type Importer struct {
	storage Storage
	sink    Sink
	locks   *PathLocks

	// MaxLineBytes caps a single log line; longer lines are skipped and
	// counted, never buffered unbounded.
	MaxLineBytes int

	// Now stamps records whose timestamp is missing or unparseable; nil
	// means time.Now.
	Now func() time.Time
}

func NewImporter(storage Storage, sink Sink, locks *PathLocks) *Importer {
	if locks == nil {
		locks = NewPathLocks()
	}
	return &Importer{
		storage:      storage,
		sink:         sink,
		locks:        locks,
		MaxLineBytes: defaultMaxLineBytes,
	}
}

type scanOutcome struct {
	events          []bus.Event
	watermark       Watermark
	advanced        bool
	imported        int
	skipped         int
	usageIncomplete bool
	skippedSubtypes map[string]int
}

// Import runs one committed import pass over the session log.
func (im *Importer) Import(ctx context.Context, summary CliSessionSummary) (ImportResult, error) {
	if !im.locks.TryLock(summary.FilePath) {
		return ImportResult{}, fmt.Errorf("%w: %s", ErrImportInProgress, summary.FilePath)
	}
	defer im.locks.Unlock(summary.FilePath)

	out, err := im.scan(ctx, summary, true)
	if err != nil {
		return ImportResult{}, err
	}

	result := ImportResult{
		EventsImported:  out.imported,
		EventsSkipped:   out.skipped,
		UsageIncomplete: out.usageIncomplete,
	}
	if len(out.skippedSubtypes) > 0 {
		result.SkippedSubtypes = out.skippedSubtypes
	}
	if !out.advanced {
		return result, nil
	}

	if err := im.storage.CommitImport(ctx, summary.FilePath, out.events, out.watermark); err != nil {
		return ImportResult{}, fmt.Errorf("cliimport: commit %s: %w", summary.FilePath, err)
	}

	// Only a durable batch reaches the live consumers. The commit advanced
	// the watermark, so a retry after a failure here re-imports nothing and
	// the stored events remain the source of truth.
	for _, ev := range out.events {
		if _, err := im.sink.Apply(ctx, ev); err != nil {
			return ImportResult{}, fmt.Errorf("cliimport: apply event: %w", err)
		}
	}
	return result, nil
}

// Sync performs the same pass without applying or committing anything: it
// reports what an Import would do.
func (im *Importer) Sync(ctx context.Context, summary CliSessionSummary) (SyncResult, error) {
	if !im.locks.TryLock(summary.FilePath) {
		return SyncResult{}, fmt.Errorf("%w: %s", ErrImportInProgress, summary.FilePath)
	}
	defer im.locks.Unlock(summary.FilePath)

	out, err := im.scan(ctx, summary, false)
	if err != nil {
		return SyncResult{}, err
	}
	return SyncResult{
		NewEvents:       out.imported,
		NewWatermark:    out.watermark,
		UsageIncomplete: out.usageIncomplete,
	}, nil
}

func (im *Importer) scan(ctx context.Context, summary CliSessionSummary, apply bool) (scanOutcome, error) {
	out := scanOutcome{skippedSubtypes: make(map[string]int)}

	wm, _, err := im.storage.Watermark(ctx, summary.FilePath)
	if err != nil {
		return out, fmt.Errorf("cliimport: load watermark %s: %w", summary.FilePath, err)
	}

	info, err := os.Stat(summary.FilePath)
	if err != nil {
		// The watermark stays untouched; the caller may retry.
		return out, fmt.Errorf("cliimport: stat %s: %w", summary.FilePath, err)
	}
	currentSize := info.Size()

	// Truncation or rotation: the file shrank under the watermark. Not an
	// error — restart from offset 0 with a fresh cursor.
	if currentSize < wm.FileSize {
		wm = Watermark{}
	}

	f, err := os.Open(summary.FilePath)
	if err != nil {
		return out, fmt.Errorf("cliimport: open %s: %w", summary.FilePath, err)
	}
	defer f.Close()

	if wm.Offset > 0 {
		if _, err := f.Seek(wm.Offset, io.SeekStart); err != nil {
			return out, fmt.Errorf("cliimport: seek %s: %w", summary.FilePath, err)
		}
	}

	maxLine := im.MaxLineBytes
	if maxLine <= 0 {
		maxLine = defaultMaxLineBytes
	}

	nowFn := im.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	// Records without a usable timestamp fold under the pass time instead
	// of the zero day.
	fallbackTS := nowFn().UTC()

	runID := summary.SessionID
	offset := wm.Offset
	lastUUID := wm.LastUUID
	seen := make(map[string]bool)
	reader := bufio.NewReaderSize(f, 256*1024)

	for {
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("cliimport: import cancelled: %w", err)
		}

		line, consumed, tooLong, readErr := readLine(reader, maxLine)
		if readErr == io.EOF {
			// A trailing line without its delimiter is still being
			// appended to; leave it for the next pass.
			break
		}
		if readErr != nil {
			return out, fmt.Errorf("cliimport: read %s: %w", summary.FilePath, readErr)
		}

		offset += int64(consumed)
		out.advanced = true

		if tooLong {
			out.skipped++
			out.skippedSubtypes["oversized"]++
			continue
		}
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}

		var rec sessionRecord
		if err := json.Unmarshal(trimmed, &rec); err != nil {
			out.skipped++
			out.skippedSubtypes["malformed"]++
			continue
		}

		if rec.UUID != "" {
			// Reject byte-identical re-reads of the range the watermark
			// already covers, and in-pass duplicates. The byte offset is
			// the primary cursor; chronological precedence of older uuids
			// is not tracked.
			if rec.UUID == wm.LastUUID || seen[rec.UUID] {
				out.skipped++
				out.skippedSubtypes["duplicate"]++
				continue
			}
			seen[rec.UUID] = true
		}

		recRunID := runID
		if recRunID == "" {
			recRunID = rec.SessionID
		}
		if recRunID == "" {
			out.skipped++
			out.skippedSubtypes["no_session"]++
			continue
		}

		events, skippedAs, usageOK := synthesize(recRunID, rec, fallbackTS)
		if !usageOK {
			out.usageIncomplete = true
		}
		if skippedAs != "" {
			out.skipped++
			out.skippedSubtypes[skippedAs]++
			continue
		}

		for _, ev := range events {
			if apply {
				stamped, stampErr := im.sink.Stamp(ctx, ev)
				if stampErr != nil {
					return out, fmt.Errorf("cliimport: stamp event: %w", stampErr)
				}
				out.events = append(out.events, stamped)
			}
			out.imported++
		}
		if rec.UUID != "" {
			lastUUID = rec.UUID
		}
	}

	out.watermark = Watermark{
		Offset:   offset,
		MtimeNs:  info.ModTime().UnixNano(),
		FileSize: currentSize,
		LastUUID: lastUUID,
	}
	return out, nil
}

// readLine consumes the next newline-terminated line, buffering at most max
// bytes of it. A longer line is drained chunk by chunk, never held whole in
// memory, and reported via tooLong. consumed counts every byte taken from
// the reader; err is io.EOF when the file ends before the delimiter.
func readLine(r *bufio.Reader, max int) (line []byte, consumed int, tooLong bool, err error) {
	for {
		chunk, rerr := r.ReadSlice('\n')
		consumed += len(chunk)
		if !tooLong {
			if len(line)+len(chunk) > max {
				line = nil
				tooLong = true
			} else {
				line = append(line, chunk...)
			}
		}
		if rerr == bufio.ErrBufferFull {
			continue
		}
		return line, consumed, tooLong, rerr
	}
}
