// Package vcs reads repository state for the working directory.
//
// It opens repositories with go-git so no git binary is needed on PATH.
package vcs

import (
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

var (
	// ErrNotGitRepo indicates the directory is not inside a Git repository.
	ErrNotGitRepo = errors.New("not a git repository")

	// ErrNoCommits indicates the repository has no HEAD commit yet.
	ErrNoCommits = errors.New("repository has no commits")
)

// Detached is returned by Branch when HEAD does not point at a branch.
const Detached = "detached"

// Head describes the commit HEAD points at.
type Head struct {
	Hash   string
	Branch string
}

// Short returns the abbreviated hash.
func (h Head) Short() string {
	if len(h.Hash) > 7 {
		return h.Hash[:7]
	}
	return h.Hash
}

// ReadHead opens the repository containing dir and resolves HEAD.
func ReadHead(dir string) (Head, error) {
	repo, err := open(dir)
	if err != nil {
		return Head{}, err
	}
	ref, err := repo.Head()
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return Head{}, ErrNoCommits
		}
		return Head{}, fmt.Errorf("resolving HEAD: %w", err)
	}
	h := Head{Hash: ref.Hash().String(), Branch: Detached}
	if ref.Name().IsBranch() {
		h.Branch = ref.Name().Short()
	}
	return h, nil
}

// HeadCommit returns the full HEAD hash of the repository containing dir.
func HeadCommit(dir string) (string, error) {
	h, err := ReadHead(dir)
	if err != nil {
		return "", err
	}
	return h.Hash, nil
}

// Branch returns the current branch name, or Detached.
func Branch(dir string) (string, error) {
	h, err := ReadHead(dir)
	if err != nil {
		return "", err
	}
	return h.Branch, nil
}

// IsMainBranch reports whether name is a conventional protected branch.
func IsMainBranch(name string) bool {
	switch name {
	case "main", "master", "production", "trunk":
		return true
	}
	return false
}

func open(dir string) (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotGitRepo, dir)
		}
		return nil, fmt.Errorf("opening repository: %w", err)
	}
	return repo, nil
}
