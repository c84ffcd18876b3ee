package ledger

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/fiscaledge/ofd-gateway/pkg/types"
)

func walPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.wal")
}

func mustAppend(t *testing.T, w *WAL, eventType EventType, id types.ReceiptID, mutate func(*Event)) {
	t.Helper()
	if err := w.Append(eventType, id, mutate); err != nil {
		t.Fatalf("append %s: %v", eventType, err)
	}
}

func TestAppendReplayRoundtrip(t *testing.T) {
	path := walPath(t)
	w, err := OpenWAL(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	receipt := &types.Receipt{ID: "r-1", Status: types.StatusPending}
	mustAppend(t, w, EventCreate, "r-1", func(e *Event) { e.Receipt = receipt })
	mustAppend(t, w, EventRetry, "r-1", nil)
	mustAppend(t, w, EventDead, "r-1", func(e *Event) { e.Reason = "gave up" })

	var replayed []Event
	err = w.Replay(func(e Event) error {
		replayed = append(replayed, e)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	if len(replayed) != 3 {
		t.Fatalf("replayed %d events, want 3", len(replayed))
	}
	if replayed[0].Type != EventCreate || replayed[0].Receipt == nil {
		t.Errorf("first event: %+v", replayed[0])
	}
	if replayed[2].Reason != "gave up" {
		t.Errorf("dead reason: got %q", replayed[2].Reason)
	}
	for i, e := range replayed {
		if e.Seq != uint64(i+1) {
			t.Errorf("event %d: seq %d, want %d", i, e.Seq, i+1)
		}
	}
}

func TestSeqResumesAfterReopen(t *testing.T) {
	path := walPath(t)
	w, err := OpenWAL(path)
	if err != nil {
		t.Fatal(err)
	}
	mustAppend(t, w, EventCreate, "r-1", func(e *Event) { e.Receipt = &types.Receipt{ID: "r-1"} })
	mustAppend(t, w, EventSynced, "r-1", nil)
	w.Close()

	w2, err := OpenWAL(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w2.Close()

	if got := w2.LastSeq(); got != 2 {
		t.Fatalf("resumed seq: got %d, want 2", got)
	}
	mustAppend(t, w2, EventRetry, "r-1", nil)
	if got := w2.LastSeq(); got != 3 {
		t.Fatalf("seq after append: got %d, want 3", got)
	}
}

func TestReplayStopsAtTornTail(t *testing.T) {
	path := walPath(t)
	w, err := OpenWAL(path)
	if err != nil {
		t.Fatal(err)
	}
	mustAppend(t, w, EventCreate, "r-1", func(e *Event) { e.Receipt = &types.Receipt{ID: "r-1"} })
	mustAppend(t, w, EventSynced, "r-1", nil)
	w.Close()

	// Simulate a crash mid-write: a truncated record at the end.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"seq":3,"type":"RET`)
	f.Close()

	w2, err := OpenWAL(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w2.Close()

	count := 0
	if err := w2.Replay(func(Event) error { count++; return nil }); err != nil {
		t.Fatalf("torn tail must not fail replay: %v", err)
	}
	if count != 2 {
		t.Fatalf("replayed %d events, want the 2 intact ones", count)
	}
	if got := w2.LastSeq(); got != 2 {
		t.Fatalf("seq must resume after the last intact record: got %d", got)
	}
}

func TestOpenTruncatesTornTailBeforeAppend(t *testing.T) {
	path := walPath(t)
	w, err := OpenWAL(path)
	if err != nil {
		t.Fatal(err)
	}
	mustAppend(t, w, EventCreate, "r-1", func(e *Event) { e.Receipt = &types.Receipt{ID: "r-1"} })
	mustAppend(t, w, EventCreate, "r-2", func(e *Event) { e.Receipt = &types.Receipt{ID: "r-2"} })
	w.Close()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"seq":3,"type":"CREA`)
	f.Close()

	// Recovery must drop the torn bytes so new events land on a record
	// boundary, not behind garbage that would shadow them on the next
	// replay.
	w2, err := OpenWAL(path)
	if err != nil {
		t.Fatal(err)
	}
	mustAppend(t, w2, EventCreate, "r-3", func(e *Event) { e.Receipt = &types.Receipt{ID: "r-3"} })
	w2.Close()

	w3, err := OpenWAL(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w3.Close()

	var ids []types.ReceiptID
	var seqs []uint64
	err = w3.Replay(func(e Event) error {
		ids = append(ids, e.ReceiptID)
		seqs = append(seqs, e.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}

	wantIDs := []types.ReceiptID{"r-1", "r-2", "r-3"}
	if len(ids) != len(wantIDs) {
		t.Fatalf("replayed %v, want %v", ids, wantIDs)
	}
	for i, want := range wantIDs {
		if ids[i] != want {
			t.Errorf("event %d: got %s, want %s", i, ids[i], want)
		}
		if seqs[i] != uint64(i+1) {
			t.Errorf("event %d: seq %d, want %d", i, seqs[i], i+1)
		}
	}
}

func TestReplayDetectsCorruption(t *testing.T) {
	path := walPath(t)
	w, err := OpenWAL(path)
	if err != nil {
		t.Fatal(err)
	}
	mustAppend(t, w, EventCreate, "r-1", func(e *Event) { e.Receipt = &types.Receipt{ID: "r-1"} })
	w.Close()

	// Flip the receipt id without updating the checksum.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var event Event
	if err := json.Unmarshal(raw, &event); err != nil {
		t.Fatal(err)
	}
	event.ReceiptID = "r-tampered"
	tampered, _ := json.Marshal(event)
	if err := os.WriteFile(path, append(tampered, '\n'), 0o644); err != nil {
		t.Fatal(err)
	}

	w2, err := OpenWAL(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w2.Close()

	err = w2.Replay(func(Event) error { return nil })
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("got %v, want ErrChecksumMismatch", err)
	}
}

func TestRotateStartsFreshLog(t *testing.T) {
	path := walPath(t)
	w, err := OpenWAL(path)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	mustAppend(t, w, EventCreate, "r-1", func(e *Event) { e.Receipt = &types.Receipt{ID: "r-1"} })
	if err := w.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	if got := w.LastSeq(); got != 0 {
		t.Fatalf("seq after rotation: got %d, want 0", got)
	}

	count := 0
	if err := w.Replay(func(Event) error { count++; return nil }); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("fresh log replayed %d events, want 0", count)
	}

	// The old log is kept aside, not deleted.
	matches, _ := filepath.Glob(path + ".*")
	if len(matches) != 1 {
		t.Fatalf("expected 1 rotated backup, found %d", len(matches))
	}
}

func TestAppendAfterClose(t *testing.T) {
	w, err := OpenWAL(walPath(t))
	if err != nil {
		t.Fatal(err)
	}
	w.Close()

	err = w.Append(EventSynced, "r-1", nil)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
}
