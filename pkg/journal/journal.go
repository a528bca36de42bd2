// Package journal persists faults the dispatcher could not resolve, keyed by
// the instruction bytes, so unsupported encodings can be collected across
// runs.
package journal

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/blake2b"

	"trapline/pkg/fault"
	"trapline/pkg/x64"
)

var log = logrus.WithField("module", "journal")

const (
	keyPrefix  = "miss/"
	digestSize = 16

	defaultQueueSize = 256
)

var ErrClosed = errors.New("journal: closed")

// Entry is one distinct unresolved instruction.
type Entry struct {
	Key       string    `json:"-"`
	Bytes     string    `json:"bytes"` // hex
	Disasm    string    `json:"disasm"`
	Reason    string    `json:"reason"`
	Count     uint64    `json:"count"`
	LastIP    uint64    `json:"last_ip"`
	LastAddr  uint32    `json:"last_addr"`
	FirstSeen time.Time `json:"first_seen"`
	Session   string    `json:"session"` // session that first saw it
}

// Options configures Open.
type Options struct {
	// QueueSize bounds the reports waiting to be written; further reports
	// are dropped.
	QueueSize int
	// InMemory keeps the database in memory, ignoring the path.
	InMemory bool
}

type item struct {
	miss    fault.Miss
	flushed chan struct{}
}

// Journal is a fault.Reporter backed by pebble.
type Journal struct {
	db      *pebble.DB
	session uuid.UUID
	queue   chan item
	dropped atomic.Uint64
	done    chan struct{}

	mu     sync.RWMutex // guards closed against sends on queue
	closed bool

	now func() time.Time
}

// Open opens or creates the journal at path and starts its writer.
func Open(path string, opts Options) (*Journal, error) {
	po := &pebble.Options{}
	if opts.InMemory {
		po.FS = vfs.NewMem()
		path = ""
	}
	db, err := pebble.Open(path, po)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	j := &Journal{
		db:      db,
		session: uuid.New(),
		queue:   make(chan item, opts.QueueSize),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go j.writer()
	log.WithField("session", j.session.String()).Debug("journal opened")
	return j, nil
}

// Session identifies this process run.
func (j *Journal) Session() uuid.UUID {
	return j.session
}

// Report queues m without blocking. It is dropped if the queue is full or the
// journal is closed.
func (j *Journal) Report(m fault.Miss) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.dropped.Add(1)
		return
	}
	select {
	case j.queue <- item{miss: m}:
	default:
		j.dropped.Add(1)
	}
}

// Dropped returns how many reports were discarded.
func (j *Journal) Dropped() uint64 {
	return j.dropped.Load()
}

// Flush waits until every report queued before it is written.
func (j *Journal) Flush() error {
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return ErrClosed
	}
	it := item{flushed: make(chan struct{})}
	j.queue <- it
	j.mu.RUnlock()
	<-it.flushed
	return nil
}

func (j *Journal) writer() {
	defer close(j.done)
	for it := range j.queue {
		if it.flushed != nil {
			close(it.flushed)
			continue
		}
		if err := j.record(it.miss); err != nil {
			log.WithError(err).Warn("failed to record fault")
		}
	}
}

// instruction trims fetched bytes to the instruction they start with.
func instruction(b []byte) []byte {
	if n := x64.ReferenceLength(b); n > 0 && n <= len(b) {
		return b[:n]
	}
	return b
}

func key(code []byte) []byte {
	h, _ := blake2b.New(digestSize, nil)
	h.Write(code)
	return h.Sum([]byte(keyPrefix))
}

func (j *Journal) record(m fault.Miss) error {
	code := instruction(m.Bytes)
	k := key(code)

	var e Entry
	value, closer, err := j.db.Get(k)
	switch {
	case err == nil:
		err = json.Unmarshal(value, &e)
		closer.Close()
		if err != nil {
			return fmt.Errorf("corrupt entry %x: %w", k, err)
		}
	case errors.Is(err, pebble.ErrNotFound):
		e = Entry{
			Bytes:     hex.EncodeToString(code),
			Disasm:    x64.Disassemble(code),
			Reason:    m.Reason,
			FirstSeen: j.now().UTC(),
			Session:   j.session.String(),
		}
	default:
		return err
	}
	e.Count++
	e.LastIP = m.IP
	e.LastAddr = m.Addr

	value, err = json.Marshal(&e)
	if err != nil {
		return err
	}
	batch := j.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(k, value, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// Entries lists every journaled instruction in key order.
func (j *Journal) Entries() ([]Entry, error) {
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte("miss0"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var entries []Entry
	for iter.First(); iter.Valid(); iter.Next() {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("corrupt entry %x: %w", iter.Key(), err)
		}
		e.Key = hex.EncodeToString(iter.Key()[len(keyPrefix):])
		entries = append(entries, e)
	}
	return entries, iter.Error()
}

// Close drains queued reports and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return ErrClosed
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()

	<-j.done
	return j.db.Close()
}
