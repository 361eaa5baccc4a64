package fetch

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/themadorg/madgate/internal/config"
	"github.com/themadorg/madgate/internal/crypto"
	"github.com/themadorg/madgate/internal/mailparse"
	"github.com/themadorg/madgate/internal/pop3"
	"github.com/themadorg/madgate/internal/store"
)

const testKey = "feedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedface"

// upstream is a minimal scripted POP3 server whose mailbox contents can be
// changed between fetches.
type upstream struct {
	mu   sync.Mutex
	msgs []upstreamMsg
	addr string

	conns atomic.Int64
	// dropFirstConnAtRetr, when non-zero, makes the first connection hang
	// up without replying to RETR of that message number.
	dropFirstConnAtRetr int
}

type upstreamMsg struct {
	uid string
	raw string
}

func (u *upstream) add(uid, raw string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.msgs = append(u.msgs, upstreamMsg{uid: uid, raw: raw})
}

func (u *upstream) snapshot() []upstreamMsg {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]upstreamMsg(nil), u.msgs...)
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	u := &upstream{addr: ln.Addr().String()}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go u.serve(conn)
		}
	}()
	return u
}

func (u *upstream) serve(conn net.Conn) {
	defer conn.Close()
	connID := u.conns.Add(1)
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	say := func(s string) {
		fmt.Fprintf(w, "%s\r\n", s)
		w.Flush()
	}
	say("+OK upstream ready")
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		fields := strings.Fields(strings.TrimRight(line, "\r\n"))
		if len(fields) == 0 {
			continue
		}
		msgs := u.snapshot()
		switch strings.ToUpper(fields[0]) {
		case "USER", "PASS", "NOOP", "DELE", "RSET":
			say("+OK")
		case "STAT":
			say(fmt.Sprintf("+OK %d 0", len(msgs)))
		case "UIDL":
			say("+OK")
			for i, m := range msgs {
				say(fmt.Sprintf("%d %s", i+1, m.uid))
			}
			say(".")
		case "RETR":
			n, _ := strconv.Atoi(fields[1])
			if connID == 1 && u.dropFirstConnAtRetr == n {
				return
			}
			if n < 1 || n > len(msgs) {
				say("-ERR no such message")
				continue
			}
			say("+OK")
			for _, l := range strings.Split(msgs[n-1].raw, "\r\n") {
				if strings.HasPrefix(l, ".") {
					l = "." + l
				}
				say(l)
			}
			say(".")
		case "QUIT":
			say("+OK bye")
			return
		default:
			say("-ERR unknown")
		}
	}
}

func rawMail(subject string) string {
	return "From: sender@example.com\r\n" +
		"To: box@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Mon, 10 Feb 2026 08:00:00 +0000\r\n" +
		"\r\n" +
		"body of " + subject
}

func testQueue(t *testing.T) (*Queue, *store.Store) {
	t.Helper()
	keyring, err := crypto.NewKeyring(testKey)
	if err != nil {
		t.Fatal(err)
	}
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	st, err := store.Open(config.DBSettings{Driver: "sqlite", DSN: dsn}, keyring, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	pool := pop3.NewPool(pop3.PoolConfig{
		MaxConcurrent:  2,
		MaxRetries:     2,
		RetryBase:      10 * time.Millisecond,
		ConnectTimeout: 5 * time.Second,
		CommandTimeout: 5 * time.Second,
		ThrottleWindow: 30 * time.Second,
	}, zap.NewNop())
	parser := mailparse.New(1<<20, zap.NewNop())
	q := NewQueue(st, pool, parser, config.FetchSettings{MaxPerJob: 50, QueueSize: 16}, zap.NewNop())
	return q, st
}

func upstreamInbox(t *testing.T, st *store.Store, u *upstream) *store.Inbox {
	t.Helper()
	host, portStr, _ := net.SplitHostPort(u.addr)
	port, _ := strconv.Atoi(portStr)
	inbox, err := st.CreateInbox(context.Background(), store.CreateInboxParams{
		EmailAddress: "box@example.com",
		Type:         store.InboxTypeExternal,
		POP3Host:     host,
		POP3Port:     port,
		Username:     "box@example.com",
		Password:     "pw",
	})
	if err != nil {
		t.Fatal(err)
	}
	return inbox
}

func TestRunInitialFetch(t *testing.T) {
	u := newUpstream(t)
	u.add("u1", rawMail("one"))
	u.add("u2", rawMail("two"))

	q, st := testQueue(t)
	inbox := upstreamInbox(t, st, u)

	res, err := q.Run(context.Background(), Job{InboxID: inbox.ID})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Fetched != 2 || res.Inserted != 2 {
		t.Errorf("result = %+v, want 2 fetched, 2 inserted", res)
	}
	if res.LastUID != "u2" {
		t.Errorf("LastUID = %q, want u2", res.LastUID)
	}

	got, _ := st.GetInbox(context.Background(), inbox.ID)
	if got.LastSeenUID == nil || *got.LastSeenUID != "u2" {
		t.Errorf("cursor = %v, want u2", got.LastSeenUID)
	}

	msgs, err := st.ListMessagesSince(context.Background(), inbox.ID, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 || msgs[0].Subject != "one" {
		t.Errorf("stored = %d messages, first subject %q", len(msgs), msgs[0].Subject)
	}
}

func TestRunIncrementalFetch(t *testing.T) {
	u := newUpstream(t)
	u.add("u1", rawMail("one"))

	q, st := testQueue(t)
	inbox := upstreamInbox(t, st, u)
	ctx := context.Background()

	if _, err := q.Run(ctx, Job{InboxID: inbox.ID}); err != nil {
		t.Fatal(err)
	}

	// Nothing new: fetch is a no-op, cursor unchanged.
	res, err := q.Run(ctx, Job{InboxID: inbox.ID})
	if err != nil {
		t.Fatal(err)
	}
	if res.Fetched != 0 || res.Inserted != 0 {
		t.Errorf("no-op fetch result = %+v", res)
	}

	// One new message upstream: only the suffix is retrieved.
	u.add("u2", rawMail("two"))
	res, err = q.Run(ctx, Job{InboxID: inbox.ID})
	if err != nil {
		t.Fatal(err)
	}
	if res.Fetched != 1 || res.LastUID != "u2" {
		t.Errorf("incremental result = %+v, want 1 fetched ending at u2", res)
	}

	var count int64 = -1
	msgs, _ := st.ListMessagesSince(ctx, inbox.ID, "", 0)
	count = int64(len(msgs))
	if count != 2 {
		t.Errorf("stored messages = %d, want 2 (no duplicates)", count)
	}
}

func TestRunRefetchIsIdempotent(t *testing.T) {
	u := newUpstream(t)
	u.add("u1", rawMail("one"))

	q, st := testQueue(t)
	inbox := upstreamInbox(t, st, u)
	ctx := context.Background()

	if _, err := q.Run(ctx, Job{InboxID: inbox.ID}); err != nil {
		t.Fatal(err)
	}
	// Force a refetch of everything; conflict rows are skipped.
	res, err := q.Run(ctx, Job{InboxID: inbox.ID, SinceUID: "uid-the-provider-reset"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Fetched != 1 || res.Inserted != 0 {
		t.Errorf("refetch result = %+v, want 1 fetched, 0 inserted", res)
	}

	msgs, _ := st.ListMessagesSince(ctx, inbox.ID, "", 0)
	if len(msgs) != 1 {
		t.Errorf("messages = %d, want 1", len(msgs))
	}
}

func TestRunRetryDoesNotDoubleCount(t *testing.T) {
	u := newUpstream(t)
	u.add("u1", rawMail("one"))
	u.add("u2", rawMail("two"))
	// First connection dies mid-job, after u1 was already retrieved; the
	// pool's second attempt must start from a clean slate.
	u.dropFirstConnAtRetr = 2

	q, st := testQueue(t)
	inbox := upstreamInbox(t, st, u)

	res, err := q.Run(context.Background(), Job{InboxID: inbox.ID})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Fetched != 2 || res.Inserted != 2 {
		t.Errorf("result = %+v, want 2 fetched, 2 inserted", res)
	}
	if got := u.conns.Load(); got != 2 {
		t.Errorf("connections = %d, want 2 (one retry)", got)
	}

	msgs, err := st.ListMessagesSince(context.Background(), inbox.ID, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Errorf("stored = %d messages, want 2", len(msgs))
	}
}

func TestRunHonorsLimit(t *testing.T) {
	u := newUpstream(t)
	for i := 1; i <= 5; i++ {
		u.add(fmt.Sprintf("u%d", i), rawMail(fmt.Sprintf("m%d", i)))
	}

	q, st := testQueue(t)
	inbox := upstreamInbox(t, st, u)

	res, err := q.Run(context.Background(), Job{InboxID: inbox.ID, Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if res.Fetched != 2 || res.LastUID != "u2" {
		t.Errorf("limited fetch = %+v, want 2 ending at u2", res)
	}
	got, _ := st.GetInbox(context.Background(), inbox.ID)
	if *got.LastSeenUID != "u2" {
		t.Errorf("cursor = %q, want u2 (not the mailbox tail)", *got.LastSeenUID)
	}
}

func TestRunLocalInboxIsNoop(t *testing.T) {
	q, st := testQueue(t)
	inbox, err := st.CreateInbox(context.Background(), store.CreateInboxParams{
		EmailAddress: "gen@local.test",
		Type:         store.InboxTypeGenerated,
		Username:     "gen@local.test",
		Password:     "pw",
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := q.Run(context.Background(), Job{InboxID: inbox.ID})
	if err != nil {
		t.Fatalf("Run on local inbox: %v", err)
	}
	if res.Fetched != 0 {
		t.Errorf("result = %+v, want noop", res)
	}
}

func TestRunInactiveInboxFails(t *testing.T) {
	u := newUpstream(t)
	q, st := testQueue(t)
	inbox := upstreamInbox(t, st, u)
	if err := st.DeleteInboxCascade(context.Background(), inbox.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Run(context.Background(), Job{InboxID: inbox.ID}); err == nil {
		t.Error("Run succeeded on a deleted inbox")
	}
}

func TestSliceAfter(t *testing.T) {
	listing := []pop3.UidlEntry{{Num: 1, UID: "a"}, {Num: 2, UID: "b"}, {Num: 3, UID: "c"}}

	if got := sliceAfter(listing, ""); len(got) != 3 {
		t.Errorf("empty cursor: %d entries, want 3", len(got))
	}
	if got := sliceAfter(listing, "b"); len(got) != 1 || got[0].UID != "c" {
		t.Errorf("after b: %+v, want [c]", got)
	}
	if got := sliceAfter(listing, "c"); len(got) != 0 {
		t.Errorf("after tail: %+v, want empty", got)
	}
	// Provider UID reset: cursor vanished, refetch all.
	if got := sliceAfter(listing, "gone"); len(got) != 3 {
		t.Errorf("unknown cursor: %d entries, want 3", len(got))
	}
}

func TestEnqueueBackgroundExecution(t *testing.T) {
	u := newUpstream(t)
	u.add("u1", rawMail("bg"))

	q, st := testQueue(t)
	inbox := upstreamInbox(t, st, u)

	q.Start()
	if err := q.Enqueue(Job{InboxID: inbox.ID}); err != nil {
		t.Fatal(err)
	}
	q.Stop()

	msgs, _ := st.ListMessagesSince(context.Background(), inbox.ID, "", 0)
	if len(msgs) != 1 {
		t.Errorf("background job stored %d messages, want 1", len(msgs))
	}
}
