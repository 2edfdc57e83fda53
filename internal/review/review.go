// Package review drives a provider's built-in /review workflow through
// scripted keystrokes, plus an off-pane pull-request review path that
// works through the GitHub CLI.
package review

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fleetd/fleetd/internal/config"
	"github.com/fleetd/fleetd/internal/events"
	"github.com/fleetd/fleetd/internal/queue"
	"github.com/fleetd/fleetd/internal/registry"
	"github.com/fleetd/fleetd/internal/term"
)

// Review modes.
const (
	ModeBranch      = "branch"
	ModeUncommitted = "uncommitted"
	ModeCommit      = "commit"
	ModeCustom      = "custom"
	ModePR          = "pr"
)

// menuPosition is each mode's zero-based row in the /review menu; the
// scripted path presses Down that many times before Enter.
var menuPosition = map[string]int{
	ModeUncommitted: 0,
	ModeBranch:      1,
	ModeCommit:      2,
	ModeCustom:      3,
}

// ValidMode reports whether m names a review mode.
func ValidMode(m string) bool {
	switch m {
	case ModeBranch, ModeUncommitted, ModeCommit, ModeCustom, ModePR:
		return true
	}
	return false
}

// runner abstracts subprocess execution for the git and gh calls.
// Enables unit testing without either binary installed.
type runner interface {
	run(ctx context.Context, dir, name string, args ...string) (string, error)
}

type execRunner struct{}

func (execRunner) run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s: %s", name, msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// Orchestrator scripts review workflows.
type Orchestrator struct {
	reg *registry.Registry
	ad  term.Adapter
	q   *queue.Queue
	rec events.Recorder
	log *zap.Logger
	cfg *config.Config
	run runner
}

// Options configures an Orchestrator.
type Options struct {
	Registry *registry.Registry
	Adapter  term.Adapter
	Queue    *queue.Queue
	Recorder events.Recorder
	Log      *zap.Logger
	Config   *config.Config
}

// New returns a ready Orchestrator.
func New(opts Options) *Orchestrator {
	rec := opts.Recorder
	if rec == nil {
		rec = events.Discard
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	return &Orchestrator{
		reg: opts.Registry,
		ad:  opts.Adapter,
		q:   opts.Queue,
		rec: rec,
		log: log,
		cfg: cfg,
		run: execRunner{},
	}
}

// StartParams are the inputs to [Orchestrator.Start].
type StartParams struct {
	Mode      string
	Base      string // branch mode: the base branch
	Commit    string // commit mode: the commit sha
	Custom    string // custom mode: free-form instructions
	Steer     string // optional steering text typed after the menu
	WatcherID string // optional session notified when the review ends
}

// Start launches an in-pane review on the session. The session is
// marked active before any watcher registration so the watcher cannot
// fire on the prior idle baseline.
func (o *Orchestrator) Start(id string, p StartParams) error {
	sess, err := o.reg.Get(id)
	if err != nil {
		return err
	}
	if !ValidMode(p.Mode) || p.Mode == ModePR {
		return fmt.Errorf("invalid in-pane review mode %q", p.Mode)
	}

	if err := o.reg.MarkActive(id); err != nil {
		return err
	}
	if err := o.reg.Mutate(id, func(s *registry.Session) error {
		s.Review = &registry.ReviewState{
			Mode: p.Mode, Base: p.Base, Commit: p.Commit,
			Custom: p.Custom, Steer: p.Steer,
		}
		return nil
	}); err != nil {
		return err
	}

	if p.WatcherID != "" {
		o.q.Watch(id, p.WatcherID, 30*time.Minute)
	}

	go o.driveMenu(sess, p)
	o.rec.Record(events.Event{Type: events.ReviewStarted, Subject: id, Message: p.Mode})
	return nil
}

// driveMenu scripts the /review menu keystrokes.
func (o *Orchestrator) driveMenu(sess registry.Session, p StartParams) {
	pane := sess.PaneName()

	if err := o.ad.SendText(pane, "/review"); err != nil {
		o.log.Warn("opening review menu", zap.String("session", sess.ID), zap.Error(err))
		return
	}
	time.Sleep(o.cfg.Review.MenuSettleDuration())

	for range menuPosition[p.Mode] {
		if err := o.ad.SendRaw(pane, "Down"); err != nil {
			o.log.Warn("navigating review menu", zap.String("session", sess.ID), zap.Error(err))
			return
		}
	}
	if err := o.ad.SendRaw(pane, "Enter"); err != nil {
		o.log.Warn("selecting review mode", zap.String("session", sess.ID), zap.Error(err))
		return
	}

	switch p.Mode {
	case ModeBranch:
		o.selectBranch(sess, p.Base)
	case ModeCommit:
		time.Sleep(o.cfg.Review.BranchSettleDuration())
		if err := o.ad.SendText(pane, p.Commit); err != nil {
			o.log.Warn("entering commit", zap.String("session", sess.ID), zap.Error(err))
		}
	case ModeCustom:
		time.Sleep(o.cfg.Review.BranchSettleDuration())
		if err := o.ad.SendText(pane, p.Custom); err != nil {
			o.log.Warn("entering custom instructions", zap.String("session", sess.ID), zap.Error(err))
		}
	}

	if p.Steer != "" {
		time.Sleep(o.cfg.Review.SteerDelayDuration())
		if err := o.ad.SendText(pane, p.Steer); err != nil {
			o.log.Warn("typing steer text", zap.String("session", sess.ID), zap.Error(err))
		}
	}

	if err := o.reg.Mutate(sess.ID, func(s *registry.Session) error {
		if s.Review != nil {
			s.Review.Delivered = true
		}
		return nil
	}); err != nil {
		o.log.Warn("marking review delivered", zap.String("session", sess.ID), zap.Error(err))
	}
}

// selectBranch computes the base branch's row in the menu's branch list
// ahead of time so the Down count is exact, then scripts the selection.
func (o *Orchestrator) selectBranch(sess registry.Session, base string) {
	pane := sess.PaneName()
	time.Sleep(o.cfg.Review.BranchSettleDuration())

	pos, err := o.branchPosition(sess.WorkDir, base)
	if err != nil {
		// Fall back to typing the name; recent menus accept filters.
		o.log.Warn("computing branch position", zap.String("session", sess.ID), zap.Error(err))
		if err := o.ad.SendText(pane, base); err != nil {
			o.log.Warn("typing branch name", zap.String("session", sess.ID), zap.Error(err))
		}
		return
	}
	for range pos {
		if err := o.ad.SendRaw(pane, "Down"); err != nil {
			o.log.Warn("navigating branch list", zap.String("session", sess.ID), zap.Error(err))
			return
		}
	}
	if err := o.ad.SendRaw(pane, "Enter"); err != nil {
		o.log.Warn("selecting branch", zap.String("session", sess.ID), zap.Error(err))
	}
}

// branchPosition returns base's index in the branch list the menu
// renders, which mirrors git's most-recently-committed ordering.
func (o *Orchestrator) branchPosition(workDir, base string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := o.run.run(ctx, workDir, "git", "for-each-ref",
		"--sort=-committerdate", "--format=%(refname:short)", "refs/heads/")
	if err != nil {
		return 0, err
	}
	for i, name := range strings.Split(out, "\n") {
		if strings.TrimSpace(name) == base {
			return i, nil
		}
	}
	return 0, fmt.Errorf("branch %q not in local branch list", base)
}

// PRParams are the inputs to [Orchestrator.StartPR].
type PRParams struct {
	Number int
	Repo   string // owner/name; empty uses the CLI's inferred repo
	Steer  string
	Wait   bool // poll until the bot's review appears
}

// PRResult reports the posted trigger comment.
type PRResult struct {
	CommentID int64     `json:"comment_id"`
	PostedAt  time.Time `json:"posted_at"`
}

// StartPR posts the "@codex review" trigger comment on a pull request
// and optionally polls the reviews API until the bot's review lands.
// No pane is involved.
func (o *Orchestrator) StartPR(ctx context.Context, p PRParams) (PRResult, error) {
	if p.Repo == "" {
		// gh api fills these placeholders from the working directory's repo.
		p.Repo = "{owner}/{repo}"
	}
	body := "@codex review"
	if p.Steer != "" {
		body += " for " + p.Steer
	}

	args := []string{"api", fmt.Sprintf("repos/%s/issues/%d/comments", p.Repo, p.Number),
		"-f", "body=" + body}
	out, err := o.run.run(ctx, "", "gh", args...)
	if err != nil {
		return PRResult{}, fmt.Errorf("posting review comment: %w", err)
	}

	var comment struct {
		ID        int64     `json:"id"`
		CreatedAt time.Time `json:"created_at"`
	}
	if err := json.Unmarshal([]byte(out), &comment); err != nil {
		return PRResult{}, fmt.Errorf("parsing comment response: %w", err)
	}
	res := PRResult{CommentID: comment.ID, PostedAt: comment.CreatedAt}

	if p.Wait {
		if err := o.pollPRReview(ctx, p, res.PostedAt); err != nil {
			return res, err
		}
	}
	return res, nil
}

// pollPRReview polls the reviews API until a bot review newer than the
// trigger comment appears or the configured deadline passes.
func (o *Orchestrator) pollPRReview(ctx context.Context, p PRParams, after time.Time) error {
	deadline := time.Now().Add(o.cfg.Review.PRPollTimeoutDuration())
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.cfg.Review.PRPollDuration()):
		}

		out, err := o.run.run(ctx, "", "gh", "api",
			fmt.Sprintf("repos/%s/pulls/%d/reviews", p.Repo, p.Number))
		if err != nil {
			o.log.Warn("polling pr reviews", zap.Int("pr", p.Number), zap.Error(err))
			continue
		}
		var reviews []struct {
			SubmittedAt time.Time `json:"submitted_at"`
			User        struct {
				Login string `json:"login"`
			} `json:"user"`
		}
		if err := json.Unmarshal([]byte(out), &reviews); err != nil {
			continue
		}
		for _, r := range reviews {
			if strings.Contains(strings.ToLower(r.User.Login), "codex") && r.SubmittedAt.After(after) {
				return nil
			}
		}
	}
	return fmt.Errorf("timed out waiting for pr %d review", p.Number)
}
