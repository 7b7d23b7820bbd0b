// Package archive wraps the Git-backed audit archive: a local repository
// whose working tree is a deterministic projection of the relational
// store's current state. Every Commit call assumes the caller already
// holds the Archive Lock (internal/archivelock); this package never locks
// on its own.
//
// Grounded on the teacher's internal/marshal (entity -> frontmatter file)
// idiom, generalized to entity -> JSON and wired onto go-git/go-git/v5
// instead of a FUSE-mounted read/write view.
package archive

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Archive is a handle on the archive's local git repository.
type Archive struct {
	root string
	repo *git.Repository
	wt   *git.Worktree
}

// OpenOrInit opens the git repository rooted at path, initializing a new
// one if none exists yet. Idempotent.
func OpenOrInit(path string) (*Archive, error) {
	repo, err := git.PlainOpen(path)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.PlainInit(path, false)
	}
	if err != nil {
		return nil, fmt.Errorf("open or init archive repo at %s: %w", path, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open archive worktree: %w", err)
	}
	return &Archive{root: path, repo: repo, wt: wt}, nil
}

// Root returns the archive's working tree root, under which Audit Sync
// acquires the Archive Lock.
func (a *Archive) Root() string { return a.root }

// Signature is the author/committer identity attached to a commit.
type Signature struct {
	Name  string
	Email string
}

// Commit stages every change in the working tree and records a commit.
// Returns the new commit's hash. A commit with no staged changes (the
// snapshot was already identical to HEAD) is a no-op that returns the
// current HEAD hash rather than an empty commit, keeping history
// meaningful.
func (a *Archive) Commit(message string, sig Signature) (string, error) {
	if _, err := a.wt.Add("."); err != nil {
		return "", fmt.Errorf("stage archive changes: %w", err)
	}

	status, err := a.wt.Status()
	if err != nil {
		return "", fmt.Errorf("archive worktree status: %w", err)
	}
	if status.IsClean() {
		head, err := a.repo.Head()
		if err != nil {
			if errors.Is(err, plumbing.ErrReferenceNotFound) {
				return "", fmt.Errorf("archive has no commits and nothing to stage")
			}
			return "", fmt.Errorf("archive head: %w", err)
		}
		return head.Hash().String(), nil
	}

	hash, err := a.wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  sig.Name,
			Email: sig.Email,
			When:  time.Now().UTC(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("commit archive snapshot: %w", err)
	}
	return hash.String(), nil
}

// LogFilter narrows Log's result set.
type LogFilter struct {
	Since  time.Time
	Until  time.Time
	Author string
	Path   string
	Limit  int // 0 means unbounded
}

// CommitInfo is a single entry in Log's paginated history.
type CommitInfo struct {
	Hash    string
	Message string
	Author  string
	When    time.Time
}

// Log returns commit history matching filter, newest first.
func (a *Archive) Log(filter LogFilter) ([]CommitInfo, error) {
	opts := &git.LogOptions{Order: git.LogOrderCommitterTime}
	if !filter.Since.IsZero() {
		opts.Since = &filter.Since
	}
	if !filter.Until.IsZero() {
		opts.Until = &filter.Until
	}
	if filter.Path != "" {
		path := filter.Path
		opts.PathFilter = func(p string) bool { return p == path || hasPathPrefix(p, path) }
	}

	iter, err := a.repo.Log(opts)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, nil // empty archive, no history yet
		}
		return nil, fmt.Errorf("archive log: %w", err)
	}
	defer iter.Close()

	var out []CommitInfo
	err = iter.ForEach(func(c *object.Commit) error {
		if filter.Author != "" && c.Author.Name != filter.Author && c.Author.Email != filter.Author {
			return nil
		}
		out = append(out, CommitInfo{
			Hash:    c.Hash.String(),
			Message: c.Message,
			Author:  c.Author.Name,
			When:    c.Author.When,
		})
		if filter.Limit > 0 && len(out) >= filter.Limit {
			return storerErrStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, storerErrStop) {
		return nil, fmt.Errorf("iterate archive log: %w", err)
	}
	return out, nil
}

// storerErrStop is a sentinel used to short-circuit iter.ForEach once the
// caller's Limit is reached; object.Commit iteration has no native
// early-stop signal other than returning a non-nil error.
var storerErrStop = errors.New("archive: stop iteration")

func hasPathPrefix(p, prefix string) bool {
	return len(p) > len(prefix) && p[:len(prefix)] == prefix && p[len(prefix)] == '/'
}

// ReadFileAt returns the blob content of path as of commit.
func (a *Archive) ReadFileAt(commitHash, path string) ([]byte, error) {
	h := plumbing.NewHash(commitHash)
	c, err := a.repo.CommitObject(h)
	if err != nil {
		return nil, fmt.Errorf("resolve commit %s: %w", commitHash, err)
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, fmt.Errorf("commit tree: %w", err)
	}
	f, err := tree.File(path)
	if err != nil {
		return nil, fmt.Errorf("file %s at %s: %w", path, commitHash, err)
	}
	r, err := f.Reader()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
