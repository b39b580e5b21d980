package learning

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/znz-systems/quarantined/internal/models"
	"github.com/znz-systems/quarantined/internal/store"
)

type call struct {
	name  string
	args  []string
	stdin string
}

type fakeRunner struct {
	calls []call
	// codes are returned in order; missing entries return 0.
	codes  []int
	output string
}

func (r *fakeRunner) Run(_ context.Context, name string, args []string, stdin []byte) (int, []byte, error) {
	r.calls = append(r.calls, call{name: filepath.Base(name), args: args, stdin: string(stdin)})
	code := 0
	if i := len(r.calls) - 1; i < len(r.codes) {
		code = r.codes[i]
	}
	return code, []byte(r.output), nil
}

type fakeDirectory struct {
	mailboxes     map[string]*models.Mailbox
	forwards      map[string]bool
	domains       map[string]*models.Domain
	domainSetups  []string
	mailboxSetups []string
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		mailboxes: map[string]*models.Mailbox{
			"user@example.com": {ID: 1, LocalPart: "user", DomainName: "example.com"},
		},
		forwards: map[string]bool{"list@example.com": true},
		domains: map[string]*models.Domain{
			"example.com": {ID: 1, Name: "example.com"},
		},
	}
}

func (d *fakeDirectory) ResolveMailbox(_ context.Context, rcpt string) (*models.Mailbox, error) {
	if mb, ok := d.mailboxes[rcpt]; ok {
		return mb, nil
	}
	if d.forwards[rcpt] {
		return nil, nil
	}
	return nil, store.ErrNotFound
}

func (d *fakeDirectory) ResolveDomain(_ context.Context, rcpt string) (*models.Domain, error) {
	_, domain, _ := cutLast(rcpt)
	if dom, ok := d.domains[domain]; ok {
		return dom, nil
	}
	return nil, store.ErrNotFound
}

func cutLast(addr string) (string, string, bool) {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '@' {
			return addr[:i], addr[i+1:], true
		}
	}
	return addr, "", false
}

func (d *fakeDirectory) SetupDomainLearning(_ context.Context, domain string) (bool, error) {
	d.domainSetups = append(d.domainSetups, domain)
	return true, nil
}

func (d *fakeDirectory) SetupMailboxLearning(_ context.Context, mbox *models.Mailbox) (bool, error) {
	d.mailboxSetups = append(d.mailboxSetups, mbox.FullAddress())
	return true, nil
}

// withBinaries makes FindBinary ignore PATH and returns a lookup directory
// holding executable sa-learn and spamc stubs.
func withBinaries(t *testing.T) string {
	t.Helper()
	orig := lookPath
	lookPath = func(string) (string, error) { return "", exec.ErrNotFound }
	t.Cleanup(func() { lookPath = orig })

	dir := t.TempDir()
	for _, name := range []string{"sa-learn", "spamc"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"), 0o755))
	}
	return dir
}

func localConfig(dir string) Config {
	return Config{Local: true, DefaultUser: "amavis", LookupPaths: []string{dir}}
}

func TestParseScope(t *testing.T) {
	s, err := ParseScope("")
	require.NoError(t, err)
	assert.Equal(t, ScopeUser, s)

	s, err = ParseScope("domain")
	require.NoError(t, err)
	assert.Equal(t, ScopeDomain, s)

	_, err = ParseScope("planet")
	assert.ErrorIs(t, err, ErrInvalidScope)
}

func TestFindBinary(t *testing.T) {
	dir := withBinaries(t)

	p, err := FindBinary("sa-learn", []string{t.TempDir(), dir})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sa-learn"), p)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "noexec"), nil, 0o644))
	_, err = FindBinary("noexec", []string{dir})
	assert.ErrorIs(t, err, ErrBinaryNotFound)

	_, err = New(Config{Local: true}, newFakeDirectory(), &fakeRunner{}, nil, ScopeUser)
	assert.ErrorIs(t, err, ErrBinaryNotFound)
	assert.Contains(t, err.Error(), "failed to find sa-learn binary")
}

func TestLocalLearningUserScope(t *testing.T) {
	dir := withBinaries(t)
	runner := &fakeRunner{}
	fd := newFakeDirectory()

	c, err := New(localConfig(dir), fd, runner, nil, ScopeUser)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.LearnSpam(ctx, "user@example.com", []byte("msg1")))
	require.NoError(t, c.LearnHam(ctx, "user@example.com", []byte("msg2")))
	require.NoError(t, c.LearnSpam(ctx, "list@example.com", []byte("msg3")))

	assert.Equal(t, []string{"user@example.com"}, fd.mailboxSetups, "provisioned once per batch")
	assert.Equal(t, []string{"user@example.com", "amavis"}, c.usernames)

	require.Len(t, runner.calls, 3)
	assert.Equal(t, call{name: "sa-learn", args: []string{"--spam", "--no-sync", "-u", "user@example.com"}, stdin: "msg1"}, runner.calls[0])
	assert.Equal(t, []string{"--ham", "--no-sync", "-u", "user@example.com"}, runner.calls[1].args)
	assert.Equal(t, []string{"--spam", "--no-sync", "-u", "amavis"}, runner.calls[2].args)

	require.NoError(t, c.Finalize(ctx))
	require.Len(t, runner.calls, 5)
	assert.Equal(t, []string{"-u", "user@example.com", "--sync"}, runner.calls[3].args)
	assert.Equal(t, []string{"-u", "amavis", "--sync"}, runner.calls[4].args)
	assert.Empty(t, runner.calls[4].stdin)
}

func TestDomainAndGlobalScopes(t *testing.T) {
	dir := withBinaries(t)
	ctx := context.Background()

	runner := &fakeRunner{}
	fd := newFakeDirectory()
	c, err := New(localConfig(dir), fd, runner, nil, ScopeDomain)
	require.NoError(t, err)
	require.NoError(t, c.LearnSpam(ctx, "user@example.com", nil))
	require.NoError(t, c.LearnSpam(ctx, "other@example.com", nil))
	assert.Equal(t, []string{"example.com"}, fd.domainSetups)
	assert.Equal(t, []string{"example.com"}, c.usernames)

	err = c.LearnSpam(ctx, "user@elsewhere.org", nil)
	assert.ErrorIs(t, err, store.ErrNotFound)

	runner = &fakeRunner{}
	c, err = New(localConfig(dir), fd, runner, nil, ScopeGlobal)
	require.NoError(t, err)
	require.NoError(t, c.LearnHam(ctx, "user@example.com", nil))
	assert.Equal(t, []string{"amavis"}, c.usernames)
}

func TestSimpleUserTrainsOwnDatabase(t *testing.T) {
	dir := withBinaries(t)
	runner := &fakeRunner{}
	fd := newFakeDirectory()
	cfg := localConfig(dir)
	cfg.UserLevelLearning = true
	user := &models.Identity{Email: "user@example.com", Role: models.RoleSimpleUser}

	c, err := New(cfg, fd, runner, user, ScopeGlobal)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.LearnSpam(ctx, "alias@example.com", nil))
	require.NoError(t, c.LearnSpam(ctx, "user@example.com", nil))
	assert.Equal(t, []string{"user@example.com"}, c.usernames)
	assert.Equal(t, []string{"user@example.com"}, fd.mailboxSetups)
}

func TestRemoteLearningExitCodes(t *testing.T) {
	dir := withBinaries(t)
	cfg := Config{SpamdAddress: "10.0.0.5", SpamdPort: 783, DefaultUser: "amavis", LookupPaths: []string{dir}}
	ctx := context.Background()

	runner := &fakeRunner{codes: []int{5, 6}}
	c, err := New(cfg, newFakeDirectory(), runner, nil, ScopeGlobal)
	require.NoError(t, err)
	require.NoError(t, c.LearnSpam(ctx, "user@example.com", nil))
	require.NoError(t, c.LearnHam(ctx, "user@example.com", nil))
	assert.Equal(t, call{name: "spamc", args: []string{"-d", "10.0.0.5", "-p", "783", "-L", "spam", "-u", "amavis"}}, runner.calls[0])

	require.NoError(t, c.Finalize(ctx))
	assert.Len(t, runner.calls, 2, "remote mode does not sync")

	runner = &fakeRunner{codes: []int{0}, output: "spamc: connection refused"}
	c, err = New(cfg, newFakeDirectory(), runner, nil, ScopeGlobal)
	require.NoError(t, err)
	err = c.LearnSpam(ctx, "user@example.com", nil)
	var toolErr *ToolError
	require.True(t, errors.As(err, &toolErr))
	assert.Equal(t, "spamc: connection refused", err.Error())
}

func TestFailFast(t *testing.T) {
	dir := withBinaries(t)
	runner := &fakeRunner{codes: []int{0, 1}, output: "learn failed"}
	c, err := New(localConfig(dir), newFakeDirectory(), runner, nil, ScopeGlobal)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.LearnSpam(ctx, "a@example.com", nil))
	first := c.LearnSpam(ctx, "b@example.com", nil)
	require.Error(t, first)
	assert.Equal(t, "learn failed", first.Error())

	assert.Equal(t, first, c.LearnSpam(ctx, "c@example.com", nil))
	assert.Equal(t, first, c.err)
	assert.Len(t, runner.calls, 2, "no command runs after the first failure")
}

func TestFinalizeReportsSyncFailures(t *testing.T) {
	dir := withBinaries(t)
	runner := &fakeRunner{codes: []int{0, 2}, output: "sync failed"}
	c, err := New(localConfig(dir), newFakeDirectory(), runner, nil, ScopeGlobal)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.LearnSpam(ctx, "a@example.com", nil))
	err = c.Finalize(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync failed")
}
