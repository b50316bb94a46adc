// Package integration contains integration tests for multi-client scenarios.
//
// These tests run a real relay on a loopback port and drive it with the
// client library, verifying end-to-end behavior: key exchange, broadcast
// fan-out, private delivery, and presence tracking.
package integration

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cipherchat/cipherchat/internal/client"
	"github.com/cipherchat/cipherchat/test/testhelpers"
)

// TestChatroomSession walks a small chatroom through its ordinary life:
// users join, broadcast, whisper, and leave.
func TestChatroomSession(t *testing.T) {
	addr, _ := testhelpers.StartRelay(t, nil)

	alice := testhelpers.Connect(t, addr, "alice")
	bob := testhelpers.Connect(t, addr, "bob")
	carol := testhelpers.Connect(t, addr, "carol")

	t.Run("Broadcast reaches every member", func(t *testing.T) {
		if err := alice.SendText("hello everyone"); err != nil {
			t.Fatalf("Failed to send broadcast: %v", err)
		}
		for _, c := range []*client.Client{alice, bob, carol} {
			ev := testhelpers.WaitForText(t, c, "hello everyone")
			if ev.Sender != "alice" {
				t.Errorf("Expected sender alice, got %q", ev.Sender)
			}
		}
	})

	t.Run("Private message stays private", func(t *testing.T) {
		if err := bob.SendPrivate("carol", "between us"); err != nil {
			t.Fatalf("Failed to send private message: %v", err)
		}

		ev := testhelpers.WaitForText(t, carol, "between us")
		if ev.Kind != client.EventPrivate {
			t.Errorf("Expected a private event, got %v", ev.Kind)
		}
		if ev.Sender != "bob" {
			t.Errorf("Expected sender bob, got %q", ev.Sender)
		}

		// The sender gets a delivery confirmation.
		echo := testhelpers.WaitForText(t, bob, "between us")
		if !echo.Echo {
			t.Error("Sender's copy should be marked as an echo")
		}

		// alice must see nothing of it.
		testhelpers.ExpectNoEvent(t, alice, client.EventPrivate, 300*time.Millisecond)
	})

	t.Run("Roster reflects current membership", func(t *testing.T) {
		if err := alice.RequestUserList(); err != nil {
			t.Fatalf("Failed to request roster: %v", err)
		}
		ev := testhelpers.WaitForEvent(t, alice, client.EventUserList, "roster")
		if len(ev.Users) != 3 {
			t.Errorf("Expected 3 users, got %v", ev.Users)
		}
	})

	t.Run("Leaving is announced to the others", func(t *testing.T) {
		if err := carol.Disconnect(); err != nil {
			t.Fatalf("Failed to disconnect carol: %v", err)
		}

		ev := testhelpers.WaitForEvent(t, bob, client.EventSystem, "leave notice")
		if ev.User != "carol" {
			t.Errorf("Expected leave notice for carol, got %+v", ev)
		}

		if err := bob.RequestUserList(); err != nil {
			t.Fatalf("Failed to request roster: %v", err)
		}
		roster := testhelpers.WaitForEvent(t, bob, client.EventUserList, "updated roster")
		for _, u := range roster.Users {
			if u == "carol" {
				t.Error("carol still present in roster after disconnect")
			}
		}
	})
}

// TestConcurrentBroadcasters connects several clients at once and has each
// broadcast; every client must observe every message.
func TestConcurrentBroadcasters(t *testing.T) {
	addr, _ := testhelpers.StartRelay(t, nil)

	const numClients = 5
	clients := make([]*client.Client, numClients)
	for i := 0; i < numClients; i++ {
		clients[i] = testhelpers.Connect(t, addr, fmt.Sprintf("user%d", i))
	}

	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func(id int, c *client.Client) {
			defer wg.Done()
			if err := c.SendText(fmt.Sprintf("message from user%d", id)); err != nil {
				t.Errorf("user%d failed to send: %v", id, err)
			}
		}(i, c)
	}
	wg.Wait()

	// Everyone, including each sender, sees all five messages.
	for i, c := range clients {
		seen := make(map[string]bool)
		deadline := time.After(testhelpers.DialTimeout)
		for len(seen) < numClients {
			select {
			case ev, ok := <-c.Events():
				if !ok {
					t.Fatalf("user%d: event stream closed early", i)
				}
				if ev.Kind == client.EventText {
					seen[ev.Text] = true
				}
			case <-deadline:
				t.Fatalf("user%d: saw only %d of %d broadcasts", i, len(seen), numClients)
			}
		}
	}
}

// TestUsernameContention races several connections for the same username
// and verifies exactly one session holds it afterwards.
func TestUsernameContention(t *testing.T) {
	addr, srv := testhelpers.StartRelay(t, nil)

	const contenders = 8
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := client.Dial(addr, testhelpers.DialTimeout)
			if err != nil {
				t.Errorf("Dial failed: %v", err)
				return
			}
			defer c.Close()
			if err := c.Login("highlander"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				// Hold the session so later contenders see the name taken.
				time.Sleep(500 * time.Millisecond)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly one successful login, got %d", wins)
	}

	// Server-side teardown may lag the client closes briefly.
	deadline := time.Now().Add(testhelpers.DialTimeout)
	for srv.Registry().Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := srv.Registry().Len(); n != 0 {
		t.Errorf("Expected empty registry after all sessions closed, got %d", n)
	}
}
