package eventlog

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

func TestAppendAssignsMonotonicSeqs(t *testing.T) {
	log := New(nil)
	log.Register("r1")

	for i := 1; i <= 5; i++ {
		seq, err := log.Append("r1", types.EventLog, "", nil)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if seq != uint64(i) {
			t.Fatalf("append %d: got seq %d", i, seq)
		}
	}

	head, err := log.Head("r1")
	if err != nil {
		t.Fatal(err)
	}
	if head != 5 {
		t.Fatalf("head = %d, want 5", head)
	}
}

func TestAppendUnknownRun(t *testing.T) {
	log := New(nil)
	if _, err := log.Append("ghost", types.EventLog, "", nil); err != ErrUnknownRun {
		t.Fatalf("err = %v, want ErrUnknownRun", err)
	}
}

func TestAppendAfterCloseRejected(t *testing.T) {
	log := New(nil)
	log.Register("r1")
	if _, err := log.Append("r1", types.EventStatus, "", nil); err != nil {
		t.Fatal(err)
	}
	if err := log.Close("r1"); err != nil {
		t.Fatal(err)
	}

	if _, err := log.Append("r1", types.EventLog, "", nil); err != ErrClosed {
		t.Fatalf("append after close err = %v, want ErrClosed", err)
	}
	// The closed stream did not grow.
	head, err := log.Head("r1")
	if err != nil {
		t.Fatal(err)
	}
	if head != 1 {
		t.Fatalf("head = %d, want 1", head)
	}
}

func TestRangeReplaysInOrder(t *testing.T) {
	log := New(nil)
	log.Register("r1")
	for i := 0; i < 10; i++ {
		if _, err := log.Append("r1", types.EventLog, "", nil); err != nil {
			t.Fatal(err)
		}
	}

	events, gap, err := log.Range("r1", 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if gap != nil {
		t.Fatalf("unexpected gap %+v", gap)
	}
	if len(events) != 7 {
		t.Fatalf("got %d events, want 7", len(events))
	}
	for i, ev := range events {
		if ev.Seq != uint64(4+i) {
			t.Fatalf("events[%d].Seq = %d, want %d", i, ev.Seq, 4+i)
		}
	}

	events, _, err = log.Range("r1", 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("limited range returned %d events, want 2", len(events))
	}
}

func TestRetentionKeepsMinReplayAndReportsGap(t *testing.T) {
	log := New(&Config{MaxEvents: 5, MaxAge: time.Nanosecond, MinReplay: 2})
	log.Register("r1")
	for i := 0; i < 12; i++ {
		if _, err := log.Append("r1", types.EventLog, "", nil); err != nil {
			t.Fatal(err)
		}
		time.Sleep(100 * time.Microsecond)
	}
	if err := log.RetentionTrim("r1"); err != nil {
		t.Fatal(err)
	}

	floor, err := log.Floor("r1")
	if err != nil {
		t.Fatal(err)
	}
	if floor != 7 {
		t.Fatalf("floor = %d, want 7 (keep the last 5 of 12)", floor)
	}

	events, gap, err := log.Range("r1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if gap == nil || gap.From != 1 || gap.To != 7 {
		t.Fatalf("gap = %+v, want 1..7", gap)
	}
	if len(events) != 5 || events[0].Seq != 8 {
		t.Fatalf("surviving window = %d events from %d, want 5 from 8", len(events), events[0].Seq)
	}
}

func TestRetentionHonorsCountWindowOverAge(t *testing.T) {
	// Old events inside the count window survive.
	log := New(&Config{MaxEvents: 100, MaxAge: time.Nanosecond, MinReplay: 1})
	log.Register("r1")
	for i := 0; i < 10; i++ {
		if _, err := log.Append("r1", types.EventLog, "", nil); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(time.Millisecond)
	if err := log.RetentionTrim("r1"); err != nil {
		t.Fatal(err)
	}
	floor, _ := log.Floor("r1")
	if floor != 0 {
		t.Fatalf("floor = %d, want 0", floor)
	}
}

func TestCursorTailBlocksUntilAppend(t *testing.T) {
	log := New(nil)
	log.Register("r1")

	cur, err := log.Subscribe("r1", 0)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		log.Append("r1", types.EventStatus, "", nil)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, gap, err := cur.Next(ctx)
	if err != nil || gap != nil {
		t.Fatalf("Next: ev=%v gap=%v err=%v", ev, gap, err)
	}
	if ev.Seq != 1 || ev.Kind != types.EventStatus {
		t.Fatalf("got seq %d kind %s", ev.Seq, ev.Kind)
	}
}

func TestCursorSeesEOFAfterClose(t *testing.T) {
	log := New(nil)
	log.Register("r1")
	log.Append("r1", types.EventLog, "", nil)
	log.Append("r1", types.EventStatus, "", nil)
	if err := log.Close("r1"); err != nil {
		t.Fatal(err)
	}

	cur, err := log.Subscribe("r1", 0)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for want := uint64(1); want <= 2; want++ {
		ev, _, err := cur.Next(ctx)
		if err != nil {
			t.Fatalf("drain %d: %v", want, err)
		}
		if ev.Seq != want {
			t.Fatalf("drain: seq %d, want %d", ev.Seq, want)
		}
	}
	if _, _, err := cur.Next(ctx); err != io.EOF {
		t.Fatalf("after drain err = %v, want io.EOF", err)
	}
}

func TestCursorReportsGapOnceThenContinues(t *testing.T) {
	log := New(&Config{MaxEvents: 3, MaxAge: time.Nanosecond, MinReplay: 1})
	log.Register("r1")
	for i := 0; i < 10; i++ {
		log.Append("r1", types.EventLog, "", nil)
		time.Sleep(100 * time.Microsecond)
	}
	log.RetentionTrim("r1")
	log.Close("r1")

	cur, err := log.Subscribe("r1", 0)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	ev, gap, err := cur.Next(ctx)
	if err != nil || ev != nil || gap == nil {
		t.Fatalf("first Next: ev=%v gap=%v err=%v, want gap only", ev, gap, err)
	}
	if gap.From != 1 || gap.To != 7 {
		t.Fatalf("gap = %+v, want 1..7", gap)
	}

	ev, gap, err = cur.Next(ctx)
	if err != nil || gap != nil {
		t.Fatalf("second Next: gap=%v err=%v", gap, err)
	}
	if ev.Seq != 8 {
		t.Fatalf("resumed at seq %d, want 8", ev.Seq)
	}
}

func TestDropWakesTails(t *testing.T) {
	log := New(nil)
	log.Register("r1")
	cur, err := log.Subscribe("r1", 0)
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		log.Drop("r1")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, _, err := cur.Next(ctx); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF after drop", err)
	}
}
