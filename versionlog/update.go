package versionlog

import (
	"context"
	"fmt"
	"hash/maphash"
	"maps"
	"sync"
	"time"

	"github.com/hupe1980/embedvault/internal/hash"
	"github.com/hupe1980/embedvault/internal/wal"
	"github.com/hupe1980/embedvault/store"
)

var stripeSeed = maphash.MakeSeed()

func (l *Log) stripe(id string) *sync.Mutex {
	return &l.stripes[maphash.String(stripeSeed, id)%numStripes]
}

// ApplyUpdate compresses vec and records it as the new content of id,
// writing through to the store. Re-applying the content and metadata id
// already holds is a no-op counted as a cache hit. The returned duration is
// the observed latency.
//
// A sync failure is reported after the update has been applied: it stays
// visible until the log is reopened but may not survive a crash, and every
// later write fails with the same error.
func (l *Log) ApplyUpdate(ctx context.Context, id string, vec []float32, meta map[string]string) (time.Duration, error) {
	res, err := l.Upsert(ctx, id, vec, meta)
	return res.Latency, err
}

// UpdateResult describes one applied update.
type UpdateResult struct {
	Latency time.Duration
	// Kind is OpAdd or OpUpdate. It is zero when Unchanged is set.
	Kind OpKind
	// Unchanged is set when id already held the content and metadata.
	Unchanged bool
}

// Upsert is ApplyUpdate reporting what the update did. Sync failures behave
// as described there.
func (l *Log) Upsert(ctx context.Context, id string, vec []float32, meta map[string]string) (UpdateResult, error) {
	start := time.Now()
	if id == "" {
		return UpdateResult{}, store.ErrEmptyID
	}
	if err := ctx.Err(); err != nil {
		return UpdateResult{}, err
	}

	ce, err := l.codec.Compress(vec)
	if err != nil {
		return UpdateResult{}, err
	}
	env, err := ce.MarshalBinary()
	if err != nil {
		return UpdateResult{}, err
	}
	body, err := encodeUpdateBody(env, meta)
	if err != nil {
		return UpdateResult{}, err
	}
	contentHash := hash.Fingerprint(body)

	l.gate.RLock()
	defer l.gate.RUnlock()

	s := l.stripe(id)
	s.Lock()
	defer s.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return UpdateResult{}, ErrClosed
	}
	prev, exists := l.current[id]
	l.mu.Unlock()

	if exists && prev.checksum == ce.Checksum && prev.dim == ce.Dimension && prev.hash == contentHash {
		d := time.Since(start)
		l.latency.observe(d, true)
		return UpdateResult{Latency: d, Unchanged: true}, nil
	}

	if err := l.st.PutPayload(id, store.Payload{Data: env, Dimension: ce.Dimension, Compressed: true}); err != nil {
		return UpdateResult{}, err
	}

	kind, recType := OpAdd, wal.RecordTypeAdd
	if exists {
		kind, recType = OpUpdate, wal.RecordTypeUpdate
	}

	ref := opRef{
		kind:     kind,
		id:       id,
		checksum: ce.Checksum,
		dim:      ce.Dimension,
		hash:     contentHash,
		meta:     maps.Clone(meta),
	}
	end, err := l.append(&ref, recType, body)
	if err != nil {
		l.undoStoreWrite(id, prev, exists)
		return UpdateResult{}, err
	}
	if err := l.wal.WaitFor(end); err != nil {
		return UpdateResult{}, fmt.Errorf("versionlog: sync: %w", err)
	}

	d := time.Since(start)
	l.latency.observe(d, false)
	return UpdateResult{Latency: d, Kind: kind}, nil
}

// Delete removes id from the store and records the deletion.
func (l *Log) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.gate.RLock()
	defer l.gate.RUnlock()

	s := l.stripe(id)
	s.Lock()
	defer s.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	prev, exists := l.current[id]
	l.mu.Unlock()
	if !exists {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}

	if err := l.st.Remove(id); err != nil {
		return err
	}

	end, err := l.append(&opRef{kind: OpDelete, id: id}, wal.RecordTypeDelete, nil)
	if err != nil {
		l.undoStoreWrite(id, prev, true)
		return err
	}
	return l.wal.WaitFor(end)
}

// append assigns the next sequence number, writes the record, and publishes
// ref into the current state. It returns the end offset to wait for.
func (l *Log) append(ref *opRef, recType wal.RecordType, body []byte) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq := l.seq + 1
	start, end, err := l.wal.AppendAsync(&wal.Record{Seq: seq, Type: recType, Key: ref.id, Body: body})
	if err != nil {
		return 0, fmt.Errorf("versionlog: append: %w", err)
	}
	l.seq = seq
	ref.seq = seq
	ref.offset = start
	l.ops = append(l.ops, *ref)
	l.applyToCurrent(*ref)
	return end, nil
}

// undoStoreWrite restores the store entry of id to prev after the log
// append failed, so the store never runs ahead of the log.
func (l *Log) undoStoreWrite(id string, prev opRef, existed bool) {
	var err error
	if existed {
		err = l.restoreFromLog(id, prev)
	} else {
		err = l.st.Remove(id)
	}
	if err != nil {
		l.logger.Error("restore store entry after failed log append", "id", id, "error", err)
	}
}

func (l *Log) restoreFromLog(id string, ref opRef) error {
	env, err := l.readEnvelope(ref)
	if err != nil {
		return err
	}
	return l.st.PutPayload(id, store.Payload{Data: env, Dimension: ref.dim, Compressed: true})
}

func (l *Log) readEnvelope(ref opRef) ([]byte, error) {
	rec, err := l.wal.ReadAt(ref.offset)
	if err != nil {
		return nil, fmt.Errorf("versionlog: read seq %d: %w", ref.seq, err)
	}
	env, _, err := decodeUpdateBody(rec.Body)
	return env, err
}
