package changelog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
)

func TestFileWriter_Append(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(dir, "changes.jsonl")
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}

	at := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	e1 := Event{Collection: "products", Op: OpPut, IDs: []string{"1"}, At: at}
	e2 := Event{Collection: "history", Op: OpDelete, IDs: []string{"4"}, At: at}
	if err := w.Append(e1); err != nil {
		t.Fatalf("append1: %v", err)
	}
	if err := w.Append(e2); err != nil {
		t.Fatalf("append2: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "changes.jsonl"))
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	var got []Event
	for s.Scan() {
		var e Event
		if err := json.Unmarshal(s.Bytes(), &e); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		got = append(got, e)
	}
	if err := s.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 lines, got %d", len(got))
	}
	if !reflect.DeepEqual(got[0], e1) || !reflect.DeepEqual(got[1], e2) {
		t.Fatalf("mismatch: %+v vs %+v,%+v", got, e1, e2)
	}
}

// fakeKafkaWriter implements kafkaMessageWriter for tests
type fakeKafkaWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	fail bool
}

func (f *fakeKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.fail {
		return errors.New("fail")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func TestKafkaWriter_Append_Success(t *testing.T) {
	fk := &fakeKafkaWriter{}
	kw := NewKafkaWriterWith(fk)
	e := Event{Collection: "products", Op: OpPut, IDs: []string{"9"}}
	if err := kw.Append(e); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(fk.msgs) != 1 {
		t.Fatalf("want 1 msg, got %d", len(fk.msgs))
	}
	if string(fk.msgs[0].Key) != "products" {
		t.Fatalf("bad key: %s", string(fk.msgs[0].Key))
	}
}

func TestKafkaWriter_Append_Fail(t *testing.T) {
	kw := NewKafkaWriterWith(&fakeKafkaWriter{fail: true})
	if err := kw.Append(Event{Collection: "products"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestMultiWriter_DeliversPastAFailingSink(t *testing.T) {
	broken := &fakeKafkaWriter{fail: true}
	healthy := &fakeKafkaWriter{}
	mw := NewMultiWriter(NewKafkaWriterWith(broken), NewKafkaWriterWith(healthy))
	if err := mw.Append(Event{Collection: "history", Op: OpDelete, IDs: []string{"3"}}); err == nil {
		t.Fatalf("expected the broken sink's error")
	}
	if healthy.count() != 1 {
		t.Fatalf("healthy sink got %d events, want 1", healthy.count())
	}
}

type fakeProducer struct {
	msgs     []*ck.Message
	failWith error
}

func (f *fakeProducer) Produce(msg *ck.Message, delivery chan ck.Event) error {
	f.msgs = append(f.msgs, msg)
	reply := *msg
	reply.TopicPartition.Error = f.failWith
	delivery <- &reply
	return nil
}

func (f *fakeProducer) Close() {}

func TestConfluentWriter_WaitsForDelivery(t *testing.T) {
	fp := &fakeProducer{}
	cw := NewConfluentWriterWith(fp, "billbook.changes")
	if err := cw.Append(Event{Collection: "history", Op: OpPut, IDs: []string{"2"}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(fp.msgs) != 1 || *fp.msgs[0].TopicPartition.Topic != "billbook.changes" {
		t.Fatalf("unexpected produced messages: %+v", fp.msgs)
	}

	fp.failWith = errors.New("broker down")
	if err := cw.Append(Event{Collection: "history"}); err == nil {
		t.Fatalf("delivery failure should surface")
	}
}

func TestHub_SubscribersSeeCommitOrder(t *testing.T) {
	h := NewHub(nil, nil)
	ch, cancel := h.Subscribe(8)
	defer cancel()

	_ = h.Append(Event{Collection: "products", Op: OpPut, IDs: []string{"1"}})
	_ = h.Append(Event{Collection: "products", Op: OpDelete, IDs: []string{"1"}})

	first, second := <-ch, <-ch
	if first.Op != OpPut || second.Op != OpDelete {
		t.Fatalf("out of order: %v then %v", first.Op, second.Op)
	}
}

func TestHub_FullSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(nil, nil)
	_, cancel := h.Subscribe(1)
	defer cancel()

	for i := 0; i < 5; i++ {
		_ = h.Append(Event{Collection: "products"})
	}
	if h.Dropped() != 4 {
		t.Fatalf("want 4 dropped, got %d", h.Dropped())
	}
}

func TestHub_SinkFailureIsLogged(t *testing.T) {
	log, hook := logtest.NewNullLogger()
	h := NewHub(log, NewKafkaWriterWith(&fakeKafkaWriter{fail: true}))
	if err := h.Append(Event{Collection: "history", Op: OpPut}); err != nil {
		t.Fatalf("hub append must not fail: %v", err)
	}
	h.Close()

	entry := hook.LastEntry()
	if entry == nil || entry.Level != logrus.WarnLevel || entry.Data["collection"] != "history" {
		t.Fatalf("expected warn log for sink failure, got %+v", entry)
	}
}

func TestHub_CloseFlushesSink(t *testing.T) {
	fk := &fakeKafkaWriter{}
	h := NewHub(nil, NewKafkaWriterWith(fk))
	for i := 0; i < 10; i++ {
		_ = h.Append(Event{Collection: "products"})
	}
	h.Close()
	h.Close()
	if fk.count() != 10 {
		t.Fatalf("want 10 sink writes after close, got %d", fk.count())
	}
}
