// Package workspace keeps local checkouts of GitHub repositories under the
// workspace root so agent containers can mount them. Checkouts live at
// repos/<owner>/<name> and are synced to the remote default branch.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	gitconfig "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/falleco/open-commander/internal/log"
)

// ErrInvalidRepo is returned for repository names that are not a plain
// "owner/name" pair.
var ErrInvalidRepo = errors.New("invalid repository name")

const (
	cloneTimeout = 5 * time.Minute
	fetchTimeout = 2 * time.Minute
)

// Service clones and updates repository checkouts. A nil token works for
// public repositories.
type Service struct {
	root  string
	token string
	// base is the remote URL prefix; tests point it at a local directory.
	base string
}

// NewService creates a Service rooted at the workspace root.
func NewService(root, token string) *Service {
	return &Service{
		root:  root,
		token: token,
		base:  "https://github.com/",
	}
}

// CloneOrPull makes sure a current checkout of "owner/name" exists and
// returns its path relative to the workspace root.
//
// A missing checkout is shallow-cloned. An existing one is fetched and hard
// reset to the remote's default branch; if that fails for any reason the
// checkout is deleted and cloned fresh. A directory that is not a git
// repository is replaced the same way.
func (s *Service) CloneOrPull(ctx context.Context, repo string) (string, error) {
	owner, name, err := SplitRepo(repo)
	if err != nil {
		return "", err
	}

	rel := path.Join("repos", owner, name)
	abs := filepath.Join(s.root, "repos", owner, name)

	switch {
	case !exists(abs):
		// First sight of this repository.
	case isGitRepo(abs):
		updateErr := s.update(ctx, abs)
		if updateErr == nil {
			return rel, nil
		}
		log.Warn("checkout update failed, recloning", "repo", repo, "error", s.redact(updateErr))
		if err := os.RemoveAll(abs); err != nil {
			return "", fmt.Errorf("removing stale checkout: %w", err)
		}
	default:
		log.Warn("replacing non-repository directory", "repo", repo, "path", abs)
		if err := os.RemoveAll(abs); err != nil {
			return "", fmt.Errorf("removing %s: %w", abs, err)
		}
	}

	if err := s.clone(ctx, owner, name, abs); err != nil {
		return "", fmt.Errorf("cloning %s: %w", repo, s.redact(err))
	}
	return rel, nil
}

// Path maps a repository's relative path back to its absolute location.
func (s *Service) Path(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

func (s *Service) clone(ctx context.Context, owner, name, abs string) error {
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, cloneTimeout)
	defer cancel()

	_, err := gogit.PlainCloneContext(ctx, abs, false, &gogit.CloneOptions{
		URL:          s.base + owner + "/" + name + ".git",
		Auth:         s.auth(),
		Depth:        1,
		SingleBranch: true,
		Tags:         gogit.NoTags,
	})
	if err != nil {
		// A failed clone can leave a half-written directory behind.
		os.RemoveAll(abs)
		return err
	}
	return nil
}

// update fetches from origin and hard-resets the worktree to the remote's
// default branch, discarding whatever an agent left behind.
func (s *Service) update(ctx context.Context, abs string) error {
	repo, err := gogit.PlainOpen(abs)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	err = repo.FetchContext(ctx, &gogit.FetchOptions{
		RemoteName: "origin",
		RefSpecs:   []gitconfig.RefSpec{"+refs/heads/*:refs/remotes/origin/*"},
		Force:      true,
		Auth:       s.auth(),
		Tags:       gogit.NoTags,
	})
	if err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return fmt.Errorf("fetch: %w", err)
	}

	hash, err := s.remoteHead(ctx, repo)
	if err != nil {
		return fmt.Errorf("resolving remote head: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	if err := wt.Reset(&gogit.ResetOptions{Mode: gogit.HardReset, Commit: hash}); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}

// remoteHead resolves the commit the remote's default branch points at. The
// branch is cached as a refs/remotes/origin/HEAD symref the way
// `git remote set-head origin --auto` would, so the remote is only asked
// once per checkout.
func (s *Service) remoteHead(ctx context.Context, repo *gogit.Repository) (plumbing.Hash, error) {
	headName := plumbing.ReferenceName("refs/remotes/origin/HEAD")

	if ref, err := repo.Reference(headName, false); err == nil && ref.Type() == plumbing.SymbolicReference {
		if target, err := repo.Reference(ref.Target(), true); err == nil {
			return target.Hash(), nil
		}
	}

	remote, err := repo.Remote("origin")
	if err != nil {
		return plumbing.ZeroHash, err
	}
	refs, err := remote.ListContext(ctx, &gogit.ListOptions{Auth: s.auth()})
	if err != nil {
		return plumbing.ZeroHash, err
	}

	for _, ref := range refs {
		if ref.Name() != plumbing.HEAD || ref.Type() != plumbing.SymbolicReference {
			continue
		}
		tracking := plumbing.NewRemoteReferenceName("origin", ref.Target().Short())
		target, err := repo.Reference(tracking, true)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(headName, tracking)); err != nil {
			log.Debug("caching origin/HEAD failed", "error", err)
		}
		return target.Hash(), nil
	}
	return plumbing.ZeroHash, errors.New("remote did not advertise HEAD")
}

func (s *Service) auth() *githttp.BasicAuth {
	if s.token == "" {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: s.token}
}

// redact strips the token from error text. Transport errors can echo the
// request URL, so everything that leaves this package goes through here.
func (s *Service) redact(err error) error {
	if err == nil || s.token == "" {
		return err
	}
	msg := strings.ReplaceAll(err.Error(), s.token, "***")
	return errors.New(msg)
}

// SplitRepo validates and splits an "owner/name" pair. A trailing ".git"
// on the name is dropped.
func SplitRepo(repo string) (owner, name string, err error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" {
		return "", "", fmt.Errorf("%w: %q (expected owner/name)", ErrInvalidRepo, repo)
	}
	for _, part := range []string{owner, name} {
		if part == "." || part == ".." ||
			strings.ContainsAny(part, `/\`) ||
			strings.ContainsAny(part, " \t\r\n") {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidRepo, repo)
		}
	}
	name = strings.TrimSuffix(name, ".git")
	if name == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRepo, repo)
	}
	return owner, name, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isGitRepo(path string) bool {
	info, err := os.Stat(filepath.Join(path, ".git"))
	return err == nil && info.IsDir()
}
