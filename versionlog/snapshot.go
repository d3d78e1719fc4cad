package versionlog

import (
	"context"
	"fmt"
	"maps"

	"github.com/hupe1980/embedvault/compress"
	"github.com/hupe1980/embedvault/internal/wal"
	"github.com/hupe1980/embedvault/store"
)

// CreateSnapshot marks the current sequence number as a new version and
// returns it.
func (l *Log) CreateSnapshot(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return 0, ErrClosed
	}

	version := uint64(1)
	if n := len(l.snapshots); n > 0 {
		version = l.snapshots[n-1].Version + 1
	}
	createdAt := l.now().UTC()
	seq := l.seq

	_, end, err := l.wal.AppendAsync(&wal.Record{
		Seq:  seq,
		Type: wal.RecordTypeSnapshot,
		Body: encodeSnapshotBody(version, createdAt),
	})
	if err != nil {
		l.mu.Unlock()
		return 0, fmt.Errorf("versionlog: append snapshot: %w", err)
	}
	l.snapshots = append(l.snapshots, snapshotRef{
		Snapshot: Snapshot{Version: version, Seq: seq, CreatedAt: createdAt},
		mask:     l.masked.Clone(),
	})
	l.mu.Unlock()

	if err := l.wal.WaitFor(end); err != nil {
		return 0, fmt.Errorf("versionlog: sync snapshot: %w", err)
	}
	l.logger.Info("snapshot created", "version", version, "seq", seq)
	return version, nil
}

func (l *Log) findSnapshot(version uint64) (snapshotRef, bool) {
	for _, s := range l.snapshots {
		if s.Version == version {
			return s, true
		}
	}
	return snapshotRef{}, false
}

// RollbackToVersion makes the state of version visible again. Operations
// after the version are masked, not removed, and the store is rewritten to
// match.
func (l *Log) RollbackToVersion(ctx context.Context, version uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.gate.Lock()
	defer l.gate.Unlock()

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	snap, ok := l.findSnapshot(version)
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	target := l.stateFor(snap.Seq, snap.mask)
	previous := maps.Clone(l.current)

	mask := snap.mask.Clone()
	if l.seq > snap.Seq {
		mask.AddRange(snap.Seq+1, l.seq+1)
	}
	body, err := encodeRollbackBody(version, mask)
	l.mu.Unlock()
	if err != nil {
		return err
	}

	// Writers are excluded by the gate, so the store can be rewritten
	// without holding mu across I/O.
	if err := l.reconcile(target); err != nil {
		return fmt.Errorf("versionlog: rollback store: %w", err)
	}

	l.mu.Lock()
	_, end, err := l.wal.AppendAsync(&wal.Record{Seq: l.seq, Type: wal.RecordTypeRollback, Body: body})
	if err == nil {
		l.masked = mask
		l.current = target
	}
	l.mu.Unlock()

	if err == nil {
		err = l.wal.WaitFor(end)
	}
	if err != nil {
		if rerr := l.reconcile(previous); rerr != nil {
			l.logger.Error("restore store after failed rollback record", "error", rerr)
		}
		return fmt.Errorf("versionlog: append rollback: %w", err)
	}

	l.logger.Info("rolled back", "version", version, "seq", snap.Seq, "visible", len(target))
	return nil
}

// StateAt returns the visible operation per id at version, with embeddings
// read back from the log.
func (l *Log) StateAt(version uint64) (map[string]Op, error) {
	l.mu.Lock()
	snap, ok := l.findSnapshot(version)
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	refs := l.stateFor(snap.Seq, snap.mask)
	l.mu.Unlock()

	out := make(map[string]Op, len(refs))
	for id, ref := range refs {
		env, err := l.readEnvelope(ref)
		if err != nil {
			return nil, err
		}
		var ce compress.CompressedEmbedding
		if err := ce.UnmarshalBinary(env); err != nil {
			return nil, err
		}
		out[id] = Op{Seq: ref.seq, Kind: ref.kind, ID: id, Embedding: &ce, Metadata: maps.Clone(ref.meta)}
	}
	return out, nil
}

// reconcile rewrites the store so that it holds exactly the ids of target
// with the content of their ops. Entries already matching are left alone.
func (l *Log) reconcile(target map[string]opRef) error {
	b := &store.Batch{}

	for id, ref := range target {
		matches := false
		err := l.st.Read(id, func(env []byte) error {
			dim, checksum, herr := compress.Header(env)
			matches = herr == nil && dim == ref.dim && checksum == ref.checksum
			return nil
		})
		if err != nil && !isNotFound(err) {
			return err
		}
		if matches {
			continue
		}
		env, err := l.readEnvelope(ref)
		if err != nil {
			return err
		}
		b.Put(id, store.Payload{Data: env, Dimension: ref.dim, Compressed: true})
	}

	for _, id := range l.st.IDs() {
		if _, ok := target[id]; !ok {
			b.Remove(id)
		}
	}

	if b.Len() == 0 {
		return nil
	}
	l.logger.Info("rewriting store entries from log", "operations", b.Len())
	return l.st.Apply(b)
}
