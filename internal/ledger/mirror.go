package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"billbook/internal/metrics"
)

type mirrorTask struct {
	uid        string
	collection string
	op         string
	id         string
	run        func(ctx context.Context) error
	barrier    chan struct{} // set only for Flush markers
}

// mirror runs remote writes one at a time in submission order. Enqueue never
// blocks the caller; a full queue drops the task.
type mirror struct {
	queue   chan mirrorTask
	timeout time.Duration
	log     logrus.FieldLogger
	metrics *metrics.Registry

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func newMirror(size int, timeout time.Duration, log logrus.FieldLogger, m *metrics.Registry) *mirror {
	mr := &mirror{
		queue:   make(chan mirrorTask, size),
		timeout: timeout,
		log:     log,
		metrics: m,
		done:    make(chan struct{}),
	}
	go mr.work()
	return mr
}

func (m *mirror) fields(t mirrorTask) logrus.Fields {
	return logrus.Fields{"uid": t.uid, "collection": t.collection, "op": t.op, "id": t.id}
}

func (m *mirror) count(outcome string) {
	if m.metrics != nil {
		m.metrics.MirrorTasks.WithLabelValues(outcome).Inc()
	}
}

func (m *mirror) work() {
	defer close(m.done)
	for t := range m.queue {
		if t.barrier != nil {
			close(t.barrier)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		err := t.run(ctx)
		cancel()
		if err != nil {
			m.count(metrics.MirrorFailed)
			m.log.WithFields(m.fields(t)).WithError(err).Warn("remote mirror failed")
			continue
		}
		m.count(metrics.MirrorSucceeded)
	}
}

func (m *mirror) enqueue(t mirrorTask) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		m.count(metrics.MirrorDropped)
		m.log.WithFields(m.fields(t)).Warn("remote mirror closed, task dropped")
		return
	}
	select {
	case m.queue <- t:
		m.count(metrics.MirrorEnqueued)
	default:
		m.count(metrics.MirrorDropped)
		m.log.WithFields(m.fields(t)).Warn("remote mirror queue full, task dropped")
	}
}

// flush waits until every task queued before the call has run.
func (m *mirror) flush(ctx context.Context) error {
	barrier := make(chan struct{})
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil
	}
	select {
	case m.queue <- mirrorTask{barrier: barrier}:
		m.mu.RUnlock()
	case <-ctx.Done():
		m.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close drains the queue and stops the worker.
func (m *mirror) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.queue)
	m.mu.Unlock()
	<-m.done
}
