package relay

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/carloslauriano/postoffice/blob"
	"github.com/carloslauriano/postoffice/mailstore"
	"github.com/carloslauriano/postoffice/storage"
	"github.com/emersion/go-smtp"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWorker(f *fixture, now time.Time, maxAttempts int) *Worker {
	w := NewWorker(f.queue, f.relayer, WorkerOptions{
		Interval:    time.Hour,
		MaxAttempts: maxAttempts,
		Backoff:     Backoff{Initial: time.Minute, Max: time.Hour, Multiplier: 2},
	})
	w.now = func() time.Time { return now }
	return w
}

func TestWorkerDeliversDueEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	due := entryAt("due", now.Add(-time.Second))
	due.Handle = f.handle
	due.Domain = "example.org"
	due.To = []string{"erin@example.org"}
	later := entryAt("later", now.Add(time.Hour))
	later.Handle = f.handle
	require.NoError(t, f.queue.Enqueue(ctx, due))
	require.NoError(t, f.queue.Enqueue(ctx, later))

	n, err := newTestWorker(f, now, 5).ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, f.transport.sent, 1)
	assert.Equal(t, []string{"erin@example.org"}, f.transport.sent[0].to)

	left, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, left)
}

func TestWorkerReschedulesTransientFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	f.transport.errs["mx1.example.com"] = &smtp.SMTPError{Code: 451, Message: "greylisted"}

	e := entryAt("e1", now)
	e.Handle = f.handle
	require.NoError(t, f.queue.Enqueue(ctx, e))

	_, err := newTestWorker(f, now, 5).ProcessDue(ctx)
	require.NoError(t, err)

	entries, err := f.queue.Due(ctx, now.Add(24*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Attempts)
	assert.Equal(t, now.Add(2*time.Minute), entries[0].NextAttempt)
	require.Len(t, entries[0].Errors, 1)
	assert.Contains(t, entries[0].Errors[0], "greylisted")
	assert.Empty(t, f.bouncer.bounces)
}

func TestWorkerBouncesAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	f.transport.errs["mx1.example.com"] = &smtp.SMTPError{Code: 421, Message: "busy"}

	e := entryAt("e1", now)
	e.Handle = f.handle
	e.Attempts = 2
	require.NoError(t, f.queue.Enqueue(ctx, e))

	_, err := newTestWorker(f, now, 3).ProcessDue(ctx)
	require.NoError(t, err)

	require.Len(t, f.bouncer.bounces, 1)
	assert.Equal(t, "alice@localhost", f.bouncer.bounces[0].from)
	assert.Equal(t, []string{"bob@example.com"}, f.bouncer.bounces[0].rcpts)

	left, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestWorkerBouncesPermanentFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()
	f.transport.errs["mx1.example.com"] = &smtp.SMTPError{Code: 550, Message: "unknown user"}

	e := entryAt("e1", now)
	e.Handle = f.handle
	require.NoError(t, f.queue.Enqueue(ctx, e))

	_, err := newTestWorker(f, now, 10).ProcessDue(ctx)
	require.NoError(t, err)

	require.Len(t, f.bouncer.bounces, 1)
	assert.Contains(t, f.bouncer.bounces[0].reason, "unknown user")
}

func TestWorkerDropsEntriesWithoutContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	e := entryAt("gone", now)
	e.Handle = strings.Repeat("ab", 32)
	require.NoError(t, f.queue.Enqueue(ctx, e))

	_, err := newTestWorker(f, now, 10).ProcessDue(ctx)
	require.NoError(t, err)

	left, err := f.queue.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, left)
	assert.Empty(t, f.transport.sent)
	assert.Empty(t, f.bouncer.bounces)
}

func TestWorkerStartStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := entryAt("e1", time.Now().Add(-time.Minute))
	e.Handle = f.handle
	require.NoError(t, f.queue.Enqueue(ctx, e))

	w := NewWorker(f.queue, f.relayer, WorkerOptions{Interval: 10 * time.Millisecond})
	w.Start(ctx)
	w.Start(ctx)

	assert.Eventually(t, func() bool {
		n, _ := f.queue.Len(ctx)
		return n == 0
	}, time.Second, 10*time.Millisecond)

	w.Stop()
	w.Stop()
}

func TestLocalBouncer(t *testing.T) {
	ctx := context.Background()
	repo := mailstore.New(storage.NewMemoryStorage(), "localhost")
	alice, err := repo.CreateUser(ctx, "alice", "secret", mailstore.Details{Name: "Alice"})
	require.NoError(t, err)

	blobs, err := blob.NewFSStore(afero.NewMemMapFs(), "/blobs")
	require.NoError(t, err)
	b := &LocalBouncer{Repo: repo, Blobs: blobs}

	original := []byte("From: alice@localhost\r\nTo: bob@example.com\r\nSubject: oi\r\n\r\ncorpo\r\n")
	require.NoError(t, b.Bounce(ctx, "alice@localhost", []string{"bob@example.com"}, original, "550 no such user"))

	inbox, err := repo.MailboxByNameForUser(ctx, alice.ID, mailstore.Inbox)
	require.NoError(t, err)
	emails, err := repo.EmailsInMailbox(ctx, inbox.ID)
	require.NoError(t, err)
	require.Len(t, emails, 1)

	notice := emails[0]
	assert.Equal(t, []string{TagBounce}, notice.Tags)
	assert.Equal(t, "", notice.Envelope.From)
	raw, err := blobs.Get(ctx, notice.RawHandle)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "no such user")
	assert.Contains(t, string(raw), "Subject: oi")

	// remetente externo não recebe retorno
	require.NoError(t, b.Bounce(ctx, "someone@example.net", []string{"x@localhost"}, original, "x"))
}

func TestWorkerNotify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	w := NewWorker(f.queue, f.relayer, WorkerOptions{Interval: time.Hour})
	w.Start(ctx)
	defer w.Stop()

	e := entryAt("late", time.Now().Add(-time.Second))
	e.Handle = f.handle
	require.NoError(t, f.queue.Enqueue(ctx, e))
	w.Notify()
	w.Notify()

	assert.Eventually(t, func() bool {
		n, _ := f.queue.Len(ctx)
		return n == 0
	}, time.Second, 10*time.Millisecond)
}
