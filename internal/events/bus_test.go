package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/darshan-rambhia/petrowatch/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recv returns the next message or fails after a short wait.
func recv(t *testing.T, s *Subscription) Message {
	t.Helper()
	select {
	case m, ok := <-s.C():
		require.True(t, ok, "subscription closed")
		return m
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
		return Message{}
	}
}

func assertEmpty(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case m := <-s.C():
		t.Fatalf("unexpected message %+v", m)
	default:
	}
}

func TestBus_ChannelFiltering(t *testing.T) {
	b := NewBus(8)
	alerts := model.SiteAlertsChannel("site-1001")
	other := model.SiteAlertsChannel("site-1002")

	all := b.Subscribe(nil, nil)
	star := b.Subscribe([]string{"*"}, nil)
	one := b.Subscribe([]string{alerts}, nil)
	none := b.Subscribe([]string{other}, nil)

	b.Broadcast(EventAlertRaised, Payload{Channel: alerts, SiteID: "site-1001"})

	assert.Equal(t, EventAlertRaised, recv(t, all).Event)
	assert.Equal(t, EventAlertRaised, recv(t, star).Event)
	got := recv(t, one)
	assert.Equal(t, alerts, got.Payload.Channel)
	assert.False(t, got.Payload.TS.IsZero(), "timestamp is filled in")
	assertEmpty(t, none)
}

func TestBus_WildcardPayloadReachesEveryone(t *testing.T) {
	b := NewBus(8)
	a := b.Subscribe([]string{model.SiteAlertsChannel("site-1001")}, nil)
	c := b.Subscribe([]string{model.SitesChannel}, nil)

	b.Broadcast(EventConfigChanged, Payload{Channel: model.WildcardChannel})
	assert.Equal(t, EventConfigChanged, recv(t, a).Event)
	assert.Equal(t, EventConfigChanged, recv(t, c).Event)
}

func TestBus_AllowPredicate(t *testing.T) {
	b := NewBus(8)
	s := b.Subscribe(nil, func(p Payload) bool { return p.SiteID == "" || p.SiteID == "site-1001" })

	b.Broadcast(EventSiteUpdate, Payload{Channel: model.SiteAlertsChannel("site-1002"), SiteID: "site-1002"})
	b.Broadcast(EventSiteUpdate, Payload{Channel: model.SiteAlertsChannel("site-1001"), SiteID: "site-1001"})

	assert.Equal(t, "site-1001", recv(t, s).Payload.SiteID)
	assertEmpty(t, s)
}

func TestBus_PreservesOrder(t *testing.T) {
	b := NewBus(100)
	s := b.Subscribe(nil, nil)
	for i := range 50 {
		b.Broadcast(EventTelemetry, Payload{Channel: "c", EntityID: fmt.Sprint(i)})
	}
	for i := range 50 {
		assert.Equal(t, fmt.Sprint(i), recv(t, s).Payload.EntityID)
	}
}

func TestBus_SlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := NewBus(2)
	slow := b.Subscribe(nil, nil)
	fast := b.Subscribe(nil, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	received := 0
	go func() {
		defer wg.Done()
		for range fast.C() {
			received++
			if received == 5 {
				return
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		for i := range 5 {
			b.Broadcast(EventTelemetry, Payload{Channel: "c", EntityID: fmt.Sprint(i)})
			time.Sleep(5 * time.Millisecond)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast blocked on a slow subscriber")
	}
	wg.Wait()
	assert.Equal(t, 5, received)
	assert.Equal(t, int64(3), slow.Dropped())
	assert.Len(t, slow.C(), 2)
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	b := NewBus(4)
	s := b.Subscribe(nil, nil)
	require.Equal(t, 1, b.Len())

	s.Close()
	s.Close()
	assert.Equal(t, 0, b.Len())
	_, ok := <-s.C()
	assert.False(t, ok)

	// Broadcasting after close must not panic.
	b.Broadcast(EventTelemetry, Payload{Channel: "c"})
}

func TestBus_Close(t *testing.T) {
	b := NewBus(4)
	s := b.Subscribe(nil, nil)
	b.Close()
	b.Close()

	_, ok := <-s.C()
	assert.False(t, ok)
	s.Close()

	late := b.Subscribe(nil, nil)
	_, ok = <-late.C()
	assert.False(t, ok, "subscriptions after close are closed")
	assert.Equal(t, 0, b.Len())
}

func TestParseChannels(t *testing.T) {
	tests := []struct {
		raw  string
		want []string
	}{
		{"", nil},
		{" , ", nil},
		{"sites", []string{"sites"}},
		{"site:a:alerts, sites ,site:a:alerts", []string{"site:a:alerts", "sites"}},
		{"*", []string{"*"}},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseChannels(tt.raw))
		})
	}
}

func FuzzParseChannels(f *testing.F) {
	f.Add("site:site-1001:alerts,sites")
	f.Add(",,*,")
	f.Add("")
	f.Fuzz(func(t *testing.T, raw string) {
		seen := map[string]bool{}
		for _, c := range ParseChannels(raw) {
			if c == "" {
				t.Fatal("empty channel")
			}
			if seen[c] {
				t.Fatalf("duplicate channel %q", c)
			}
			seen[c] = true
		}
	})
}
