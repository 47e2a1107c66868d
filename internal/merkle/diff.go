package merkle

import "sort"

// Diff classifies the paths of two snapshots. Every list is sorted.
type Diff struct {
	Added     []string
	Modified  []string
	Deleted   []string
	Unchanged []string
}

// Compare returns the diff from old to new. Nil snapshots are treated as empty.
func Compare(old, new *Snapshot) *Diff {
	d := &Diff{}
	var oldFiles, newFiles map[string]string
	if old != nil {
		oldFiles = old.Files
	}
	if new != nil {
		newFiles = new.Files
	}

	for path, digest := range newFiles {
		prev, ok := oldFiles[path]
		switch {
		case !ok:
			d.Added = append(d.Added, path)
		case prev != digest:
			d.Modified = append(d.Modified, path)
		default:
			d.Unchanged = append(d.Unchanged, path)
		}
	}
	for path := range oldFiles {
		if _, ok := newFiles[path]; !ok {
			d.Deleted = append(d.Deleted, path)
		}
	}

	sort.Strings(d.Added)
	sort.Strings(d.Modified)
	sort.Strings(d.Deleted)
	sort.Strings(d.Unchanged)
	return d
}

// HasChanges reports whether any file was added, modified or deleted.
func (d *Diff) HasChanges() bool {
	return d.TotalChanges() > 0
}

// TotalChanges counts added, modified and deleted files.
func (d *Diff) TotalChanges() int {
	return len(d.Added) + len(d.Modified) + len(d.Deleted)
}

// ChangedFiles returns added and modified paths, the files that need indexing.
func (d *Diff) ChangedFiles() []string {
	out := make([]string, 0, len(d.Added)+len(d.Modified))
	out = append(out, d.Added...)
	out = append(out, d.Modified...)
	sort.Strings(out)
	return out
}

// StalePaths returns modified and deleted paths, whose stored points must go.
func (d *Diff) StalePaths() []string {
	out := make([]string, 0, len(d.Modified)+len(d.Deleted))
	out = append(out, d.Modified...)
	out = append(out, d.Deleted...)
	sort.Strings(out)
	return out
}
