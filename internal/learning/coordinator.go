// Package learning drives SpamAssassin training for quarantined messages,
// either through a local sa-learn or a remote spamd reached with spamc.
package learning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/znz-systems/quarantined/internal/metrics"
	"github.com/znz-systems/quarantined/internal/models"
)

var (
	ErrBinaryNotFound = errors.New("binary not found")
	ErrInvalidScope   = errors.New("invalid recipient database")
)

// Scope selects whose Bayes database receives the training.
type Scope string

const (
	ScopeGlobal Scope = "global"
	ScopeDomain Scope = "domain"
	ScopeUser   Scope = "user"
)

func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case "":
		return ScopeUser, nil
	case ScopeGlobal, ScopeDomain, ScopeUser:
		return Scope(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
}

// Kind is the class a message is trained as.
type Kind string

const (
	Spam Kind = "spam"
	Ham  Kind = "ham"
)

func (k Kind) Valid() bool { return k == Spam || k == Ham }

// ToolError is a training command that exited with an unexpected status.
// Its message is the raw tool output.
type ToolError struct {
	Command string
	Code    int
	Output  string
}

func (e *ToolError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("%s exited with status %d", e.Command, e.Code)
	}
	return e.Output
}

type Config struct {
	Local             bool
	SpamdAddress      string
	SpamdPort         int
	DefaultUser       string
	UserLevelLearning bool
	LookupPaths       []string
}

// Directory resolves recipients and provisions per-domain or per-mailbox
// Bayes databases.
type Directory interface {
	ResolveMailbox(ctx context.Context, rcpt string) (*models.Mailbox, error)
	ResolveDomain(ctx context.Context, rcpt string) (*models.Domain, error)
	SetupDomainLearning(ctx context.Context, domain string) (bool, error)
	SetupMailboxLearning(ctx context.Context, mbox *models.Mailbox) (bool, error)
}

var lookPath = exec.LookPath

// FindBinary looks name up in PATH, then in each of paths.
func FindBinary(name string, paths []string) (string, error) {
	if p, err := lookPath(name); err == nil {
		return p, nil
	}
	for _, dir := range paths {
		p := filepath.Join(dir, name)
		info, err := os.Stat(p)
		if err == nil && info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0 {
			return p, nil
		}
	}
	return "", fmt.Errorf("failed to find %s binary: %w", name, ErrBinaryNotFound)
}

// Coordinator trains one batch of messages. It caches the usernames it
// resolved and the databases it provisioned for the lifetime of the batch,
// and refuses further work after the first failure. It is not safe for
// concurrent use.
type Coordinator struct {
	cfg    Config
	dir    Directory
	runner Runner
	scope  Scope

	// username is fixed when acting for a simple user.
	username string
	binary   string

	provisioned map[string]bool
	usernames   []string
	err         error
}

// New prepares a coordinator for caller. Simple users with user level
// learning train their own database; everyone else trains the database
// selected by scope.
func New(cfg Config, dir Directory, runner Runner, caller *models.Identity, scope Scope) (*Coordinator, error) {
	if runner == nil {
		runner = ExecRunner{}
	}
	name := "spamc"
	if cfg.Local {
		name = "sa-learn"
	}
	bin, err := FindBinary(name, cfg.LookupPaths)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:         cfg,
		dir:         dir,
		runner:      runner,
		scope:       scope,
		binary:      bin,
		provisioned: make(map[string]bool),
	}
	if caller != nil && caller.IsSimpleUser() && cfg.UserLevelLearning {
		c.username = caller.Email
	}
	return c, nil
}

func (c *Coordinator) mode() string {
	if c.cfg.Local {
		return "local"
	}
	return "remote"
}

func (c *Coordinator) LearnSpam(ctx context.Context, rcpt string, msg []byte) error {
	return c.Learn(ctx, Spam, rcpt, msg)
}

func (c *Coordinator) LearnHam(ctx context.Context, rcpt string, msg []byte) error {
	return c.Learn(ctx, Ham, rcpt, msg)
}

// Learn trains msg, addressed to rcpt, as kind. Once a call has failed every
// later call returns that first failure.
func (c *Coordinator) Learn(ctx context.Context, kind Kind, rcpt string, msg []byte) error {
	if c.err != nil {
		return c.err
	}
	if err := c.learn(ctx, kind, rcpt, msg); err != nil {
		c.err = err
		metrics.LearningInvocations.WithLabelValues(c.mode(), string(kind), "error").Inc()
		return err
	}
	metrics.LearningInvocations.WithLabelValues(c.mode(), string(kind), "ok").Inc()
	return nil
}

func (c *Coordinator) learn(ctx context.Context, kind Kind, rcpt string, msg []byte) error {
	username, err := c.resolveUsername(ctx, rcpt)
	if err != nil {
		return err
	}
	if !slices.Contains(c.usernames, username) {
		c.usernames = append(c.usernames, username)
	}

	var (
		args     []string
		expected []int
	)
	if c.cfg.Local {
		args = []string{"--" + string(kind), "--no-sync", "-u", username}
		expected = []int{0}
	} else {
		args = []string{
			"-d", c.cfg.SpamdAddress, "-p", strconv.Itoa(c.cfg.SpamdPort),
			"-L", string(kind), "-u", username,
		}
		// spamc reports an already learned message with 5 or 6.
		expected = []int{5, 6}
	}

	code, out, err := c.runner.Run(ctx, c.binary, args, msg)
	if err != nil {
		return fmt.Errorf("running %s: %w", filepath.Base(c.binary), err)
	}
	if !slices.Contains(expected, code) {
		return &ToolError{Command: filepath.Base(c.binary), Code: code, Output: string(out)}
	}
	slog.Debug("message learned", "kind", kind, "username", username, "recipient", rcpt)
	return nil
}

func (c *Coordinator) resolveUsername(ctx context.Context, rcpt string) (string, error) {
	if c.username != "" {
		if !c.provisioned[c.username] {
			mbox, err := c.dir.ResolveMailbox(ctx, c.username)
			if err != nil {
				return "", err
			}
			if mbox != nil {
				if _, err := c.dir.SetupMailboxLearning(ctx, mbox); err != nil {
					return "", err
				}
			}
			c.provisioned[c.username] = true
		}
		return c.username, nil
	}

	switch c.scope {
	case ScopeGlobal:
		return c.cfg.DefaultUser, nil
	case ScopeDomain:
		domain, err := c.dir.ResolveDomain(ctx, rcpt)
		if err != nil {
			return "", err
		}
		if !c.provisioned[domain.Name] {
			if _, err := c.dir.SetupDomainLearning(ctx, domain.Name); err != nil {
				return "", err
			}
			c.provisioned[domain.Name] = true
		}
		return domain.Name, nil
	default:
		mbox, err := c.dir.ResolveMailbox(ctx, rcpt)
		if err != nil {
			return "", err
		}
		if mbox == nil {
			return c.cfg.DefaultUser, nil
		}
		username := mbox.FullAddress()
		if !c.provisioned[username] {
			if _, err := c.dir.SetupMailboxLearning(ctx, mbox); err != nil {
				return "", err
			}
			c.provisioned[username] = true
		}
		return username, nil
	}
}

// Finalize synchronizes the local Bayes database of every username used
// by the batch, in first use order. Remote training needs no sync.
func (c *Coordinator) Finalize(ctx context.Context) error {
	if !c.cfg.Local {
		return nil
	}
	var errs []error
	for _, username := range c.usernames {
		code, out, err := c.runner.Run(ctx, c.binary, []string{"-u", username, "--sync"}, nil)
		if err == nil && code != 0 {
			err = &ToolError{Command: filepath.Base(c.binary), Code: code, Output: string(out)}
		}
		if err != nil {
			slog.Error("bayes sync failed", "username", username, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
