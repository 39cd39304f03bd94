package plugins

import (
	"context"
	"fmt"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/bozp-pzob/ai-news-sub003/internal/service"
)

// gitSource ingests commits from any HTTPS git remote via a shallow in-memory
// clone. It supports historical mode by filtering the log on author date.
type gitSource struct {
	name       string
	repoURL    string
	branch     string
	maxCommits int
	cursors    service.CursorStorer
}

func newGitSource(name string, params map[string]any, deps Deps) (*gitSource, error) {
	repoURL := paramStr(params, "repoUrl", "")
	if repoURL == "" {
		return nil, service.ConfigErrorf("source %q: repoUrl is required", name)
	}
	return &gitSource{
		name:       name,
		repoURL:    repoURL,
		branch:     paramStr(params, "branch", ""),
		maxCommits: paramInt(params, "maxCommits", 100),
		cursors:    deps.Cursors,
	}, nil
}

func (s *gitSource) Name() string { return s.name }

func (s *gitSource) cursorKey() string { return "gitCommits-" + s.name }

func (s *gitSource) clone(ctx context.Context) (*git.Repository, error) {
	opts := &git.CloneOptions{
		URL:          s.repoURL,
		Depth:        s.maxCommits,
		SingleBranch: true,
	}
	if s.branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(s.branch)
	}

	repo, err := git.CloneContext(ctx, memory.NewStorage(), nil, opts)
	if err != nil {
		return nil, service.RetryableErr(fmt.Errorf("clone %s: %w", s.repoURL, err))
	}
	return repo, nil
}

func (s *gitSource) FetchItems(ctx context.Context) ([]service.ContentItem, error) {
	lastSeen, err := s.cursors.GetCursor(ctx, s.cursorKey())
	if err != nil {
		return nil, err
	}

	items, newest, err := s.collect(ctx, func(c *object.Commit) (bool, bool) {
		if c.Hash.String() == lastSeen {
			return false, true // stop at the previous high-water mark
		}
		return true, false
	})
	if err != nil {
		return nil, err
	}

	if newest != "" && newest != lastSeen {
		if err := s.cursors.SetCursor(ctx, s.cursorKey(), newest); err != nil {
			return items, err
		}
	}
	return items, nil
}

func (s *gitSource) FetchHistorical(ctx context.Context, date time.Time) ([]service.ContentItem, error) {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	items, _, err := s.collect(ctx, func(c *object.Commit) (bool, bool) {
		when := c.Author.When.UTC()
		if when.Before(dayStart) {
			return false, true // log is newest-first; everything after is older
		}
		return when.Before(dayEnd), false
	})
	return items, err
}

// collect walks the log newest-first. keep decides per commit whether to take
// it and whether to stop the walk.
func (s *gitSource) collect(ctx context.Context, keep func(*object.Commit) (take, stop bool)) ([]service.ContentItem, string, error) {
	repo, err := s.clone(ctx)
	if err != nil {
		return nil, "", err
	}

	iter, err := repo.Log(&git.LogOptions{})
	if err != nil {
		return nil, "", service.RetryableErr(fmt.Errorf("git log: %w", err))
	}
	defer iter.Close()

	var (
		items  []service.ContentItem
		newest string
	)
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if newest == "" {
			newest = c.Hash.String()
		}
		take, stop := keep(c)
		if take {
			items = append(items, s.toItem(c))
		}
		if stop || len(items) >= s.maxCommits {
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return items, newest, ctx.Err()
		}
		return items, newest, service.RetryableErr(err)
	}

	return items, newest, nil
}

func (s *gitSource) toItem(c *object.Commit) service.ContentItem {
	title, _, _ := strings.Cut(c.Message, "\n")
	return service.ContentItem{
		CID:    "git-" + c.Hash.String(),
		Type:   "githubCommit",
		Source: s.name,
		Title:  strings.TrimSpace(title),
		Text:   strings.TrimSpace(c.Message),
		Date:   c.Author.When.Unix(),
		Metadata: map[string]any{
			"hash":   c.Hash.String(),
			"author": c.Author.Name,
			"email":  c.Author.Email,
			"repo":   s.repoURL,
		},
	}
}
