package logstream

import (
	"strings"
	"sync"
	"testing"
	"time"
)

type recordCollector struct {
	mu      sync.Mutex
	records []Record
}

func (c *recordCollector) PublishRecord(record Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, record)
}

func (c *recordCollector) snapshot() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, len(c.records))
	copy(out, c.records)
	return out
}

func newTestPump(t *testing.T, sink Publisher) *Pump {
	t.Helper()
	classifier, err := NewClassifier()
	if err != nil {
		t.Fatalf("new classifier: %v", err)
	}
	return NewPump(classifier, sink, WithClock(func() time.Time {
		return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	}))
}

func TestPumpClassifiesAndSequencesLines(t *testing.T) {
	t.Parallel()

	sink := &recordCollector{}
	pump := newTestPump(t, sink)

	pump.Run(strings.NewReader("INFO: ok\nERROR: x\n"), strings.NewReader(""))
	pump.Wait()

	records := sink.snapshot()
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Seq != 1 || records[1].Seq != 2 {
		t.Fatalf("sequences = %d,%d, want 1,2", records[0].Seq, records[1].Seq)
	}
	if records[0].Level != LevelInfo {
		t.Fatalf("first level = %q, want %q", records[0].Level, LevelInfo)
	}
	if records[1].Level != LevelError {
		t.Fatalf("second level = %q, want %q", records[1].Level, LevelError)
	}
	if records[0].Text != "INFO: ok" || records[1].Text != "ERROR: x" {
		t.Fatalf("unexpected texts: %q, %q", records[0].Text, records[1].Text)
	}
	if records[0].Stream != StreamStdout {
		t.Fatalf("stream = %q, want %q", records[0].Stream, StreamStdout)
	}
}

func TestPumpSharesSequenceAcrossStreams(t *testing.T) {
	t.Parallel()

	sink := &recordCollector{}
	pump := newTestPump(t, sink)

	pump.Run(
		strings.NewReader("out one\nout two\n"),
		strings.NewReader("err one\nerr two\n"),
	)
	pump.Wait()

	records := sink.snapshot()
	if len(records) != 4 {
		t.Fatalf("records = %d, want 4", len(records))
	}

	seen := map[uint64]bool{}
	for _, record := range records {
		if record.Seq < 1 || record.Seq > 4 {
			t.Fatalf("sequence %d out of range", record.Seq)
		}
		if seen[record.Seq] {
			t.Fatalf("sequence %d assigned twice", record.Seq)
		}
		seen[record.Seq] = true
	}
	if got := pump.Produced(); got != 4 {
		t.Fatalf("produced = %d, want 4", got)
	}
}

func TestPumpSkipsBlankLinesAndTrimsCarriageReturns(t *testing.T) {
	t.Parallel()

	sink := &recordCollector{}
	pump := newTestPump(t, sink)

	pump.Run(strings.NewReader("first\r\n\n   \nsecond\n"), nil)
	pump.Wait()

	records := sink.snapshot()
	if len(records) != 2 {
		t.Fatalf("records = %d, want 2", len(records))
	}
	if records[0].Text != "first" {
		t.Fatalf("first text = %q, want %q", records[0].Text, "first")
	}
	if records[1].Seq != 2 {
		t.Fatalf("second seq = %d, want 2", records[1].Seq)
	}
}

func TestPumpSurvivesOversizedLine(t *testing.T) {
	t.Parallel()

	sink := &recordCollector{}
	pump := newTestPump(t, sink)

	long := strings.Repeat("x", maxLineBytes+1)
	pump.Run(strings.NewReader(long+"\nafter\n"), nil)
	pump.Wait()

	records := sink.snapshot()
	if len(records) < 2 {
		t.Fatalf("records = %d, want at least 2", len(records))
	}

	last := records[len(records)-1]
	if last.Text != "after" {
		t.Fatalf("last text = %q, the line after the oversized one must survive", last.Text)
	}

	var total int
	for i, record := range records[:len(records)-1] {
		if record.Seq != uint64(i+1) {
			t.Fatalf("record %d has seq %d", i, record.Seq)
		}
		if len(record.Text) > maxLineBytes {
			t.Fatalf("record %d is %d bytes, cap is %d", i, len(record.Text), maxLineBytes)
		}
		if strings.Trim(record.Text, "x") != "" {
			t.Fatalf("record %d carries unexpected text %q", i, record.Text[:32])
		}
		total += len(record.Text)
	}
	if total != len(long) {
		t.Fatalf("oversized line bytes = %d, want %d", total, len(long))
	}
	if got := pump.Produced(); got != uint64(len(records)) {
		t.Fatalf("produced = %d, want %d", got, len(records))
	}
}

func TestPumpRunsAtMostOnce(t *testing.T) {
	t.Parallel()

	sink := &recordCollector{}
	pump := newTestPump(t, sink)

	pump.Run(strings.NewReader("only\n"), nil)
	pump.Wait()
	pump.Run(strings.NewReader("ignored\n"), nil)
	pump.Wait()

	if got := len(sink.snapshot()); got != 1 {
		t.Fatalf("records = %d, want 1", got)
	}
}
