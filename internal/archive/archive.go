// Package archive is the Git-backed content archive. A Repo writes files into
// its working tree and records them in a single commit per call.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/rs/zerolog"

	"github.com/mistakeknot/intermail/internal/core"
)

// Identity is the author recorded on every commit.
type Identity struct {
	Name  string
	Email string
}

// DefaultIdentity is the service identity used when none is configured.
var DefaultIdentity = Identity{Name: "mcp-bot", Email: "mcp-bot@localhost"}

// File is one path, relative to the repository root, and its full content.
type File struct {
	Path    string
	Content []byte
}

// Commit summarizes a commit for inspection.
type Commit struct {
	Hash    string
	Message string
	Author  Identity
	When    time.Time
	Files   []string
}

// Repo is an open archive repository. It is safe for concurrent use; writes
// are serialized by the mutex from Options.Lock, held across write, stage and
// commit.
type Repo struct {
	root   string
	author Identity
	log    zerolog.Logger

	mu   *sync.Mutex
	wt   billy.Filesystem
	st   *filesystem.Storage
	repo *git.Repository
	now  func() time.Time
}

type Options struct {
	Author Identity
	Logger zerolog.Logger
	// Lock serializes every Repo open on the same root. Handles sharing a root
	// must share it. Nil gives the Repo a mutex of its own.
	Lock *sync.Mutex
}

// Open opens the repository rooted at root, initializing it when root has no
// repository yet.
func Open(root string, opts Options) (*Repo, error) {
	if opts.Author.Name == "" {
		opts.Author = DefaultIdentity
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, core.Backend("create archive root", err)
	}

	mu := opts.Lock
	if mu == nil {
		mu = &sync.Mutex{}
	}
	mu.Lock()
	defer mu.Unlock()

	wt := osfs.New(root)
	dot, err := wt.Chroot(git.GitDirName)
	if err != nil {
		return nil, core.Backend("open archive", err)
	}
	st := filesystem.NewStorage(dot, cache.NewObjectLRUDefault())

	log := opts.Logger.With().Str("component", "archive").Str("root", root).Logger()
	repo, err := git.Open(st, wt)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		repo, err = git.Init(st, wt)
		if err == nil {
			log.Info().Msg("archive repository initialized")
		}
	}
	if err != nil {
		st.Close()
		return nil, wrapGitErr("open archive", err)
	}

	return &Repo{
		root:   root,
		author: opts.Author,
		mu:     mu,
		log:    log,
		wt:     wt,
		st:     st,
		repo:   repo,
		now:    time.Now,
	}, nil
}

func (r *Repo) Root() string { return r.root }

// CommitFiles writes every file and records them in one commit. When every
// file already matches HEAD nothing is written and the returned hash is empty.
func (r *Repo) CommitFiles(ctx context.Context, message string, files []File) (string, error) {
	if len(files) == 0 {
		return "", core.InvalidInput("commit needs at least one file")
	}
	for _, f := range files {
		if err := validPath(f.Path); err != nil {
			return "", err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if r.unchangedLocked(files) {
		return "", nil
	}

	w, err := r.repo.Worktree()
	if err != nil {
		return "", wrapGitErr("open worktree", err)
	}
	saved, err := r.writeFilesLocked(files)
	if err != nil {
		r.restoreLocked(saved)
		return "", err
	}
	for _, f := range files {
		if err := w.AddWithOptions(&git.AddOptions{Path: f.Path, SkipStatus: true}); err != nil {
			r.rollbackLocked(w, saved)
			return "", wrapGitErr("stage "+f.Path, err)
		}
	}

	sig := &object.Signature{Name: r.author.Name, Email: r.author.Email, When: r.now()}
	hash, err := w.Commit(message, &git.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		r.rollbackLocked(w, saved)
		return "", wrapGitErr("commit", err)
	}
	r.log.Debug().Str("commit", hash.String()).Int("files", len(files)).Msg("committed")
	return hash.String(), nil
}

// savedFile is the worktree state of a path before CommitFiles touched it.
type savedFile struct {
	path    string
	prev    []byte
	existed bool
}

// writeFilesLocked writes every file into the worktree and returns what it
// overwrote, including the file that failed.
func (r *Repo) writeFilesLocked(files []File) ([]savedFile, error) {
	saved := make([]savedFile, 0, len(files))
	for _, f := range files {
		if err := r.wt.MkdirAll(path.Dir(f.Path), 0o755); err != nil {
			return saved, wrapGitErr("create dir", err)
		}
		prev, err := util.ReadFile(r.wt, f.Path)
		saved = append(saved, savedFile{path: f.Path, prev: prev, existed: err == nil})
		if err := util.WriteFile(r.wt, f.Path, f.Content, 0o644); err != nil {
			return saved, wrapGitErr("write "+f.Path, err)
		}
	}
	return saved, nil
}

// restoreLocked puts the worktree back the way writeFilesLocked found it.
func (r *Repo) restoreLocked(saved []savedFile) {
	for i := len(saved) - 1; i >= 0; i-- {
		sf := saved[i]
		var err error
		if sf.existed {
			err = util.WriteFile(r.wt, sf.path, sf.prev, 0o644)
		} else if err = r.wt.Remove(sf.path); errors.Is(err, os.ErrNotExist) {
			err = nil
		}
		if err != nil {
			r.log.Warn().Err(err).Str("path", sf.path).Msg("restore worktree file")
		}
	}
}

// rollbackLocked drops everything staged since HEAD and restores the worktree,
// so a failed call leaves nothing behind for the next commit to pick up.
func (r *Repo) rollbackLocked(w *git.Worktree, saved []savedFile) {
	head, err := r.headCommit()
	if err == nil {
		if head == nil {
			err = r.st.SetIndex(&index.Index{Version: 2})
		} else {
			err = w.Reset(&git.ResetOptions{Commit: head.Hash, Mode: git.MixedReset})
		}
	}
	if err != nil {
		r.log.Warn().Err(err).Msg("reset index")
	}
	r.restoreLocked(saved)
}

// unchangedLocked reports whether HEAD already holds every file byte for byte.
func (r *Repo) unchangedLocked(files []File) bool {
	head, err := r.headCommit()
	if err != nil || head == nil {
		return false
	}
	for _, f := range files {
		hf, err := head.File(f.Path)
		if err != nil {
			return false
		}
		got, err := hf.Contents()
		if err != nil || got != string(f.Content) {
			return false
		}
	}
	return true
}

// ReadFile returns the content of p as committed at HEAD.
func (r *Repo) ReadFile(p string) ([]byte, error) {
	if err := validPath(p); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	head, err := r.headCommit()
	if err != nil {
		return nil, wrapGitErr("read head", err)
	}
	if head == nil {
		return nil, core.NotFound("archive file", p)
	}
	f, err := head.File(p)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, core.NotFound("archive file", p)
	}
	if err != nil {
		return nil, wrapGitErr("read "+p, err)
	}
	rd, err := f.Reader()
	if err != nil {
		return nil, wrapGitErr("read "+p, err)
	}
	defer rd.Close()
	return io.ReadAll(rd)
}

// ReadWorktreeFile returns the content of p in the working tree.
func (r *Repo) ReadWorktreeFile(p string) ([]byte, error) {
	if err := validPath(p); err != nil {
		return nil, err
	}
	data, err := util.ReadFile(r.wt, p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, core.NotFound("archive file", p)
	}
	if err != nil {
		return nil, wrapGitErr("read "+p, err)
	}
	return data, nil
}

// HeadCommit describes the current HEAD commit and the paths it changed
// relative to its first parent.
func (r *Repo) HeadCommit() (Commit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	head, err := r.headCommit()
	if err != nil {
		return Commit{}, wrapGitErr("read head", err)
	}
	if head == nil {
		return Commit{}, core.NotFound("commit", "HEAD")
	}
	files, err := changedFiles(head)
	if err != nil {
		return Commit{}, wrapGitErr("diff head", err)
	}
	return Commit{
		Hash:    head.Hash.String(),
		Message: head.Message,
		Author:  Identity{Name: head.Author.Name, Email: head.Author.Email},
		When:    head.Author.When,
		Files:   files,
	}, nil
}

// CommitCount returns the number of commits reachable from HEAD.
func (r *Repo) CommitCount() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	head, err := r.headCommit()
	if err != nil || head == nil {
		return 0, wrapGitErr("read head", err)
	}
	iter, err := r.repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return 0, wrapGitErr("log", err)
	}
	defer iter.Close()
	n := 0
	err = iter.ForEach(func(*object.Commit) error {
		n++
		return nil
	})
	return n, wrapGitErr("log", err)
}

// Close releases the repository's open pack files and object cache.
func (r *Repo) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.st.Close()
}

// headCommit returns nil, nil for an empty repository.
func (r *Repo) headCommit() (*object.Commit, error) {
	ref, err := r.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r.repo.CommitObject(ref.Hash())
}

func changedFiles(c *object.Commit) ([]string, error) {
	tree, err := c.Tree()
	if err != nil {
		return nil, err
	}
	if c.NumParents() == 0 {
		var out []string
		err := tree.Files().ForEach(func(f *object.File) error {
			out = append(out, f.Name)
			return nil
		})
		return out, err
	}
	parent, err := c.Parent(0)
	if err != nil {
		return nil, err
	}
	parentTree, err := parent.Tree()
	if err != nil {
		return nil, err
	}
	changes, err := object.DiffTree(parentTree, tree)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(changes))
	for _, ch := range changes {
		name := ch.To.Name
		if name == "" {
			name = ch.From.Name
		}
		out = append(out, name)
	}
	return out, nil
}

func validPath(p string) error {
	if p == "" || strings.HasPrefix(p, "/") || path.Clean(p) != p || p == ".." || strings.HasPrefix(p, "../") {
		return core.InvalidInput("archive path %q must be relative and clean", p)
	}
	if p == git.GitDirName || strings.HasPrefix(p, git.GitDirName+"/") {
		return core.InvalidInput("archive path %q is reserved", p)
	}
	return nil
}

func wrapGitErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return core.Backend(op, fmt.Errorf("git: %w", err))
}
