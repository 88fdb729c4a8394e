// Package actions holds the internal stage handlers that do not wrap an
// external analysis tool: source retrieval, language detection and deploy.
package actions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/animus-labs/deploypipe/internal/domain"
	"github.com/animus-labs/deploypipe/internal/execution/stage"
	"github.com/animus-labs/deploypipe/internal/tools"
)

const defaultBranch = "main"

type SourceOptions struct {
	URL      string `mapstructure:"url"`
	Branch   string `mapstructure:"branch"`
	Depth    *int   `mapstructure:"depth"`
	Username string `mapstructure:"username"`
	Token    string `mapstructure:"token"`
}

// Source clones the application repository into the execution workspace.
type Source struct {
	clone func(ctx context.Context, path string, opts *git.CloneOptions) (*git.Repository, error)
}

func NewSource() *Source {
	return &Source{clone: func(ctx context.Context, path string, opts *git.CloneOptions) (*git.Repository, error) {
		return git.PlainCloneContext(ctx, path, false, opts)
	}}
}

func (s *Source) Handle(ctx context.Context, call stage.Call) (stage.Outcome, error) {
	var opts SourceOptions
	if err := tools.DecodeOptions(tools.Options(call.Stage.Parameters), &opts); err != nil {
		return stage.Outcome{}, err
	}
	opts.URL = strings.TrimSpace(opts.URL)
	if opts.URL == "" {
		return stage.Outcome{}, errors.New("source url parameter is required")
	}
	workspace := call.Exec.Workspace
	if workspace == "" {
		return stage.Outcome{}, stage.Fail(domain.ErrorCodeInternal, "execution has no workspace")
	}
	// A previous attempt may have left a partial checkout.
	if err := os.RemoveAll(workspace); err != nil {
		return stage.Outcome{}, fmt.Errorf("reset workspace: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(workspace), 0o755); err != nil {
		return stage.Outcome{}, fmt.Errorf("create workspace parent: %w", err)
	}

	trigger := call.Exec.Trigger
	cloneOpts := &git.CloneOptions{URL: opts.URL, SingleBranch: true, Tags: git.NoTags}
	ref := ""
	switch {
	case trigger.Tag != "":
		ref = trigger.Tag
		cloneOpts.ReferenceName = plumbing.NewTagReferenceName(trigger.Tag)
	default:
		ref = firstNonEmpty(trigger.Branch, opts.Branch, defaultBranch)
		cloneOpts.ReferenceName = plumbing.NewBranchReferenceName(ref)
	}
	depth := 1
	if opts.Depth != nil {
		depth = *opts.Depth
	} else if trigger.CommitSHA != "" {
		depth = 0
	}
	if depth > 0 {
		cloneOpts.Depth = depth
	}
	if opts.Token != "" {
		cloneOpts.Auth = &githttp.BasicAuth{Username: firstNonEmpty(opts.Username, "git"), Password: opts.Token}
	}

	call.Info(ctx, "cloning repository", domain.Metadata{"url": redactURL(opts.URL), "ref": ref, "depth": depth})
	repo, err := s.clone(ctx, workspace, cloneOpts)
	if err != nil {
		return stage.Outcome{}, fmt.Errorf("clone %s@%s: %w", redactURL(opts.URL), ref, err)
	}

	if trigger.CommitSHA != "" {
		hash, err := repo.ResolveRevision(plumbing.Revision(trigger.CommitSHA))
		if err != nil {
			return stage.Outcome{}, fmt.Errorf("resolve commit %s: %w", trigger.CommitSHA, err)
		}
		wt, err := repo.Worktree()
		if err != nil {
			return stage.Outcome{}, fmt.Errorf("open worktree: %w", err)
		}
		if err := wt.Checkout(&git.CheckoutOptions{Hash: *hash, Force: true}); err != nil {
			return stage.Outcome{}, fmt.Errorf("checkout %s: %w", trigger.CommitSHA, err)
		}
	}

	head, err := repo.Head()
	if err != nil {
		return stage.Outcome{}, fmt.Errorf("read HEAD: %w", err)
	}
	commit := head.Hash().String()
	call.Info(ctx, "repository cloned", domain.Metadata{"commit": commit})

	artifacts := map[string]string{"workspace": workspace, "commit": commit}
	if trigger.Tag != "" {
		artifacts["tag"] = trigger.Tag
	} else {
		artifacts["branch"] = ref
	}
	return stage.Outcome{Artifacts: artifacts}, nil
}

// redactURL drops credentials embedded in a clone URL.
func redactURL(raw string) string {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return raw
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		if slash := strings.Index(rest, "/"); slash < 0 || at < slash {
			rest = rest[at+1:]
		}
	}
	return scheme + "://" + rest
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
