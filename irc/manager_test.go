package irc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

func failingDial(ctx context.Context, addr string) (net.Conn, error) {
	return nil, errors.New("connection refused")
}

func TestPartition(t *testing.T) {
	channels := make([]string, 23)
	for i := range channels {
		channels[i] = fmt.Sprintf("chan%02d", i)
	}

	groups := Partition(channels, 10)
	if len(groups) != 3 {
		t.Fatalf("got %d groups, want 3", len(groups))
	}
	wantSizes := []int{10, 10, 3}
	for i, g := range groups {
		if len(g) != wantSizes[i] {
			t.Errorf("group %d has %d channels, want %d", i, len(g), wantSizes[i])
		}
	}

	// Every channel lands in exactly one group.
	seen := make(map[string]int)
	for _, g := range groups {
		for _, ch := range g {
			seen[ch]++
		}
	}
	if len(seen) != len(channels) {
		t.Errorf("partition covers %d channels, want %d", len(seen), len(channels))
	}
	for ch, n := range seen {
		if n != 1 {
			t.Errorf("channel %s appears %d times", ch, n)
		}
	}
}

func TestPartitionEdges(t *testing.T) {
	if got := Partition(nil, 10); got != nil {
		t.Errorf("empty input should yield nil, got %v", got)
	}
	if got := Partition([]string{"a"}, 0); got != nil {
		t.Errorf("non-positive size should yield nil, got %v", got)
	}
	groups := Partition([]string{"a", "b"}, 10)
	if len(groups) != 1 || len(groups[0]) != 2 {
		t.Errorf("undersized input should yield one group, got %v", groups)
	}
}

func TestManagerRebuild(t *testing.T) {
	rt := testRuntime()
	cfg := testConfig(failingDial)
	m := NewManager(cfg, 10, rt, nil)

	channels := make([]string, 23)
	for i := range channels {
		channels[i] = fmt.Sprintf("chan%02d", i)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Rebuild(ctx, channels)
	defer m.StopAll()

	if m.SessionCount() != 3 {
		t.Fatalf("got %d sessions, want 3", m.SessionCount())
	}
	wantSizes := []int{10, 10, 3}
	for i, s := range m.Sessions() {
		if got := len(s.Channels()); got != wantSizes[i] {
			t.Errorf("session %d owns %d channels, want %d", i, got, wantSizes[i])
		}
		if want := fmt.Sprintf("shard_%d", i); s.ID() != want {
			t.Errorf("session id = %q, want %q", s.ID(), want)
		}
	}
}

func TestManagerRebuildSortsMembership(t *testing.T) {
	rt := testRuntime()
	m := NewManager(testConfig(failingDial), 2, rt, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Rebuild(ctx, []string{"zeta", "alpha", "mid"})
	defer m.StopAll()

	sessions := m.Sessions()
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	first := sessions[0].Channels()
	if len(first) != 2 || first[0] != "alpha" || first[1] != "mid" {
		t.Errorf("first shard = %v, want [alpha mid]", first)
	}
	second := sessions[1].Channels()
	if len(second) != 1 || second[0] != "zeta" {
		t.Errorf("second shard = %v, want [zeta]", second)
	}
}

func TestManagerRebuildReplacesSessions(t *testing.T) {
	rt := testRuntime()
	m := NewManager(testConfig(failingDial), 10, rt, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Rebuild(ctx, []string{"one", "two"})
	old := m.Sessions()

	m.Rebuild(ctx, []string{"one", "two", "three"})
	defer m.StopAll()

	if m.SessionCount() != 1 {
		t.Fatalf("got %d sessions after rebuild, want 1", m.SessionCount())
	}
	for _, s := range old {
		select {
		case <-s.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("old session %s still running after rebuild", s.ID())
		}
	}
	if got := m.Sessions()[0].Channels(); len(got) != 3 {
		t.Errorf("rebuilt session owns %v, want all three channels", got)
	}
}

func TestManagerStopAll(t *testing.T) {
	rt := testRuntime()
	m := NewManager(testConfig(failingDial), 10, rt, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Rebuild(ctx, []string{"one", "two"})

	sessions := m.Sessions()
	m.StopAll()

	if m.SessionCount() != 0 {
		t.Errorf("SessionCount = %d after StopAll, want 0", m.SessionCount())
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		default:
			t.Errorf("session %s still running after StopAll", s.ID())
		}
	}
	// Idempotent.
	m.StopAll()
}
