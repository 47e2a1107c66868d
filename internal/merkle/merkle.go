package merkle

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/dshills/reposearch-mcp/pkg/types"
)

// FileDigest returns hex(SHA-256(le64(size) || content || le64(mtimeSecs))).
func FileDigest(size uint64, content []byte, mtimeSecs uint64) string {
	h := sha256.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], size)
	h.Write(buf[:])
	h.Write(content)
	binary.LittleEndian.PutUint64(buf[:], mtimeSecs)
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil))
}

// HashFile computes the digest of a file on disk using its size and
// modification time.
func HashFile(path string) (string, error) {
	return hashFile(path, true)
}

// HashContent digests a file with mtime 0, so the result equals the digest
// of the same bytes in a commit tree.
func HashContent(path string) (string, error) {
	return hashFile(path, false)
}

func hashFile(path string, withMtime bool) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrIO, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrIO, err)
	}

	h := sha256.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(info.Size()))
	h.Write(buf[:])
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrIO, err)
	}
	var mtime uint64
	if withMtime {
		mtime = uint64(max(info.ModTime().Unix(), 0))
	}
	binary.LittleEndian.PutUint64(buf[:], mtime)
	h.Write(buf[:])
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Snapshot maps repository-relative paths (forward slashes) to file digests.
type Snapshot struct {
	Files map[string]string
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{Files: make(map[string]string)}
}

// Add records the digest for a path.
func (s *Snapshot) Add(path, digest string) {
	if s.Files == nil {
		s.Files = make(map[string]string)
	}
	s.Files[filepath.ToSlash(path)] = digest
}

// Len returns the number of files in the snapshot.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Files)
}

// Paths returns all file paths in lexicographic order.
func (s *Snapshot) Paths() []string {
	if s == nil {
		return nil
	}
	paths := make([]string, 0, len(s.Files))
	for p := range s.Files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Root returns the snapshot root digest: SHA-256 over the sorted sequence of
// (path bytes, raw digest bytes). An empty snapshot has the empty root "".
func (s *Snapshot) Root() string {
	if s.Len() == 0 {
		return ""
	}
	h := sha256.New()
	for _, p := range s.Paths() {
		h.Write([]byte(p))
		raw, err := hex.DecodeString(s.Files[p])
		if err != nil {
			raw = []byte(s.Files[p])
		}
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SnapshotDir walks root and digests every file not excluded by rules.
// Unreadable files are skipped and returned as per-file errors.
func SnapshotDir(root string, rules *IgnoreRules) (*Snapshot, []*types.FileError, error) {
	return snapshotDir(root, rules, HashFile)
}

// SnapshotContent is SnapshotDir with content-only digests. Its snapshots
// compare cleanly against tree snapshots of a commit.
func SnapshotContent(root string, rules *IgnoreRules) (*Snapshot, []*types.FileError, error) {
	return snapshotDir(root, rules, HashContent)
}

func snapshotDir(root string, rules *IgnoreRules, hash func(string) (string, error)) (*Snapshot, []*types.FileError, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", types.ErrWorkingTreeMissing, root, err)
	}
	if !info.IsDir() {
		return nil, nil, fmt.Errorf("%w: %s is not a directory", types.ErrWorkingTreeMissing, root)
	}
	if rules == nil {
		rules = DefaultIgnoreRules()
	}

	snap := NewSnapshot()
	var fileErrs []*types.FileError
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if walkErr != nil {
			if rel == "." {
				return walkErr
			}
			fileErrs = append(fileErrs, &types.FileError{Path: rel, Err: fmt.Errorf("%w: %v", types.ErrIO, walkErr)})
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if rel == "." {
			return nil
		}
		if rules.Ignored(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		digest, err := hash(path)
		if err != nil {
			fileErrs = append(fileErrs, &types.FileError{Path: rel, Err: err})
			return nil
		}
		snap.Add(rel, digest)
		return nil
	})
	if err != nil {
		return nil, fileErrs, fmt.Errorf("%w: walking %s: %v", types.ErrIO, root, err)
	}
	return snap, fileErrs, nil
}
