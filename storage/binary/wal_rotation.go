package binary

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/c-u-l8er/warp-engine/logger"
)

// rotateLocked seals the active generation and opens the next one. The
// caller holds ioMu. The seal is a Checkpoint frame referencing the last
// durable sequence, so a reader can tell a completed generation from one
// cut short by a crash.
func (w *WAL) rotateLocked() error {
	w.mu.Lock()
	w.seq++
	cp := &Entry{Seq: w.seq, Type: EntryCheckpoint, RefSeq: w.lastDurable.Load()}
	w.mu.Unlock()

	frame := AppendFrame(nil, cp)
	if _, err := w.file.Write(frame); err != nil {
		w.fail(err, nil)
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.fail(err, nil)
		return err
	}
	w.totalBytes.Add(int64(len(frame)))
	w.lastDurable.Store(cp.Seq)

	if err := w.file.Close(); err != nil {
		w.fail(err, nil)
		return err
	}

	w.gen++
	path := filepath.Join(w.dir, generationFilename(w.gen))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		w.fail(err, nil)
		return err
	}
	w.file = file
	w.fileBytes = 0

	logger.Info("shard %d wal rotated to generation %d at seq %d", w.shardID, w.gen, cp.Seq)
	return nil
}

// listGenerations returns the generation numbers present in dir in
// ascending order.
func listGenerations(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	gens := make([]uint64, 0, len(entries))
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasSuffix(name, ".wal") {
			continue
		}
		gen, err := strconv.ParseUint(strings.TrimSuffix(name, ".wal"), 10, 64)
		if err != nil {
			logger.Warn("ignoring unrecognized wal file %s", name)
			continue
		}
		gens = append(gens, gen)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens, nil
}

// PruneGenerations deletes generation files strictly older than keepFrom.
// Called by the snapshotter once a snapshot has captured the state those
// generations contributed; the active generation is never pruned.
func (w *WAL) PruneGenerations(keepFrom uint64) (removed int, err error) {
	w.ioMu.Lock()
	defer w.ioMu.Unlock()

	if keepFrom > w.gen {
		keepFrom = w.gen
	}
	gens, err := listGenerations(w.dir)
	if err != nil {
		return 0, err
	}
	for _, gen := range gens {
		if gen >= keepFrom {
			continue
		}
		path := filepath.Join(w.dir, generationFilename(gen))
		info, statErr := os.Stat(path)
		if remErr := os.Remove(path); remErr != nil {
			return removed, remErr
		}
		if statErr == nil {
			w.totalBytes.Add(-info.Size())
		}
		removed++
	}
	if removed > 0 {
		logger.Info("shard %d pruned %d wal generation(s) below %d", w.shardID, removed, keepFrom)
	}
	return removed, nil
}
