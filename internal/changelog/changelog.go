package changelog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// Op is the kind of committed write.
type Op string

const (
	OpPut     Op = "put"
	OpDelete  Op = "delete"
	OpReplace Op = "replace" // whole collection replaced (import)
)

// Event describes one committed local write.
type Event struct {
	Collection string    `json:"collection"`
	Op         Op        `json:"op"`
	IDs        []string  `json:"ids,omitempty"`
	At         time.Time `json:"at"`
}

func (e Event) key() string { return e.Collection }

// Writer is an external sink for committed-write events.
type Writer interface {
	Append(e Event) error
}

// MultiWriter hands every event to each sink, even after one of them fails.
type MultiWriter struct {
	sinks []Writer
}

func NewMultiWriter(sinks ...Writer) *MultiWriter {
	return &MultiWriter{sinks: sinks}
}

func (m *MultiWriter) Append(e Event) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Append(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FileWriter appends one JSON line per event.
type FileWriter struct {
	path string
}

func NewFileWriter(dir, filename string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	return &FileWriter{path: filepath.Join(dir, filename)}, nil
}

func (w *FileWriter) Append(e Event) error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(&e); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	return nil
}

// KafkaWriter publishes events keyed by collection, so one collection stays on one partition.
type KafkaWriter struct {
	writer kafkaMessageWriter
}

type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// SplitBrokers parses a comma-separated host:port list.
func SplitBrokers(bootstrap string) []string {
	var brokers []string
	for _, a := range strings.Split(bootstrap, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			brokers = append(brokers, a)
		}
	}
	return brokers
}

func NewKafkaWriter(bootstrap, topic string) *KafkaWriter {
	return &KafkaWriter{writer: &kafka.Writer{
		Addr:         kafka.TCP(SplitBrokers(bootstrap)...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: 5 * time.Second,
	}}
}

func (k *KafkaWriter) Append(e Event) error {
	b, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := k.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.key()), Value: b}); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// NewKafkaWriterWith wraps an existing message writer.
func NewKafkaWriterWith(w kafkaMessageWriter) *KafkaWriter {
	return &KafkaWriter{writer: w}
}
