// Package diskspill implements the sharded append-only disk overflow of
// spec.md section 4.3, used only in REGULAR mode: URLs that fail to enter
// any in-memory structure are appended to one of S hash-sharded files.
package diskspill

import (
	"bufio"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"
)

// NumShards is the fixed shard count specified in spec.md section 4.3.
const NumShards = 16

type shard struct {
	mu        sync.Mutex
	path      string
	lineCount int64
}

// Store owns the S disk shards. It is nil in FRESH mode; every call site
// that might touch it checks for nil first, per spec.md section 9's
// resolution of the FRESH-mode disk pointer ambiguity.
type Store struct {
	dir    string
	shards [NumShards]*shard
}

// New creates a Store rooted at dir, creating the directory if needed.
// Existing shard files are picked up (and their line counts read) so a
// restart recovers previously spilled URLs, per spec.md section 4.3's
// recoverability invariant.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("diskspill: create dir %s: %w", dir, err)
	}
	s := &Store{dir: dir}
	for i := 0; i < NumShards; i++ {
		path := filepath.Join(dir, fmt.Sprintf("shard-%02d.txt", i))
		count, err := countLines(path)
		if err != nil {
			return nil, fmt.Errorf("diskspill: read shard %s: %w", path, err)
		}
		s.shards[i] = &shard{path: path, lineCount: count}
	}
	return s, nil
}

func countLines(path string) (int64, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var n int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if sc.Text() != "" {
			n++
		}
	}
	return n, sc.Err()
}

func shardIndex(url string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(url))
	return int(h.Sum32() % NumShards)
}

// SaveURLsToDisk groups the batch by shard to minimize contention and
// appends each group to its shard file in a single write.
func (s *Store) SaveURLsToDisk(urls []string) error {
	if s == nil {
		return nil
	}
	grouped := make(map[int][]string, NumShards)
	for _, u := range urls {
		idx := shardIndex(u)
		grouped[idx] = append(grouped[idx], u)
	}
	for idx, group := range grouped {
		if err := s.appendShard(idx, group); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) appendShard(idx int, urls []string) error {
	sh := s.shards[idx]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	f, err := os.OpenFile(sh.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("diskspill: open shard %s: %w", sh.path, err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, u := range urls {
		if _, err := w.WriteString(u + "\n"); err != nil {
			return fmt.Errorf("diskspill: write shard %s: %w", sh.path, err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("diskspill: flush shard %s: %w", sh.path, err)
	}
	sh.lineCount += int64(len(urls))
	return nil
}

// LoadURLsFromDisk reads up to max lines in total, walking the shards in
// index order from shard 0 on every call (there is no rotating start, so
// lower-numbered shards are emptied first), rewrites each touched shard
// with its residual lines, and returns the loaded batch. Callers should feed the result back through the frontier's
// EnqueueBatch or local deques.
func (s *Store) LoadURLsFromDisk(max int) ([]string, error) {
	if s == nil || max <= 0 {
		return nil, nil
	}
	var loaded []string
	remaining := max
	for i := 0; i < NumShards && remaining > 0; i++ {
		got, err := s.loadFromShard(i, remaining)
		if err != nil {
			return loaded, err
		}
		loaded = append(loaded, got...)
		remaining -= len(got)
	}
	return loaded, nil
}

func (s *Store) loadFromShard(idx, max int) ([]string, error) {
	sh := s.shards[idx]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	f, err := os.Open(sh.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("diskspill: open shard %s: %w", sh.path, err)
	}

	var all []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			all = append(all, line)
		}
	}
	f.Close()
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("diskspill: scan shard %s: %w", sh.path, err)
	}

	if max > len(all) {
		max = len(all)
	}
	loaded := all[:max]
	residual := all[max:]

	if err := s.rewriteShard(sh, residual); err != nil {
		return nil, err
	}
	sh.lineCount = int64(len(residual))
	return loaded, nil
}

func (s *Store) rewriteShard(sh *shard, lines []string) error {
	tmp := sh.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("diskspill: create tmp for %s: %w", sh.path, err)
	}
	w := bufio.NewWriter(f)
	for _, l := range lines {
		if _, err := w.WriteString(l + "\n"); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, sh.path)
}

// TotalLines returns the aggregate line count across all shards, an
// approximation of URLs currently spilled, used by the monitor to decide
// whether a refill is warranted.
func (s *Store) TotalLines() int64 {
	if s == nil {
		return 0
	}
	var total int64
	for _, sh := range s.shards {
		sh.mu.Lock()
		total += sh.lineCount
		sh.mu.Unlock()
	}
	return total
}

// CleanupEmptyShards removes shard files that currently hold zero lines,
// per spec.md section 4.3's periodic cleanup requirement.
func (s *Store) CleanupEmptyShards() {
	if s == nil {
		return
	}
	for _, sh := range s.shards {
		sh.mu.Lock()
		if sh.lineCount == 0 {
			_ = os.Remove(sh.path)
		}
		sh.mu.Unlock()
	}
}
