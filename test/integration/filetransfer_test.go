// Package integration contains integration tests for the file relay path.
package integration

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"

	"github.com/cipherchat/cipherchat/internal/client"
	"github.com/cipherchat/cipherchat/internal/server"
	"github.com/cipherchat/cipherchat/test/testhelpers"
)

// TestFileTransferEndToEnd streams a payload from one client to another in
// chunks and reassembles it on the receiving side.
func TestFileTransferEndToEnd(t *testing.T) {
	addr, _ := testhelpers.StartRelay(t, nil)

	alice := testhelpers.Connect(t, addr, "alice")
	bob := testhelpers.Connect(t, addr, "bob")

	const chunkSize = 1024
	payload := make([]byte, 10*chunkSize+137)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("Failed to generate payload: %v", err)
	}

	id, err := alice.OfferFile("bob", "blob.bin", int64(len(payload)))
	if err != nil {
		t.Fatalf("Failed to offer file: %v", err)
	}

	offer := testhelpers.WaitForEvent(t, bob, client.EventFileOffer, "file offer")
	if offer.Filename != "blob.bin" || offer.Size != int64(len(payload)) {
		t.Errorf("Offer metadata mismatch: %+v", offer)
	}
	if err := bob.AcceptOffer(offer.TransferID); err != nil {
		t.Fatalf("Failed to accept offer: %v", err)
	}

	ack := testhelpers.WaitForEvent(t, alice, client.EventFileAck, "transfer acceptance")
	if !ack.Accepted {
		t.Fatal("Offer was not accepted")
	}

	// Stream the payload.
	var seq uint64
	for off := 0; off < len(payload); off += chunkSize {
		end := off + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		if err := alice.SendChunk(id, seq, payload[off:end]); err != nil {
			t.Fatalf("Failed to send chunk %d: %v", seq, err)
		}
		seq++
	}
	if err := alice.CompleteTransfer(id); err != nil {
		t.Fatalf("Failed to complete transfer: %v", err)
	}

	// Reassemble on bob's side.
	var received bytes.Buffer
	var next uint64
	deadline := time.After(testhelpers.DialTimeout)
	for {
		select {
		case ev, ok := <-bob.Events():
			if !ok {
				t.Fatal("Event stream closed mid-transfer")
			}
			switch ev.Kind {
			case client.EventFileChunk:
				if ev.Seq != next {
					t.Fatalf("Chunk %d arrived out of order, expected %d", ev.Seq, next)
				}
				next++
				received.Write(ev.Data)
			case client.EventFileComplete:
				if !bytes.Equal(received.Bytes(), payload) {
					t.Errorf("Reassembled payload differs: %d bytes vs %d sent",
						received.Len(), len(payload))
				}
				return
			case client.EventError:
				t.Fatalf("Transfer failed: %s %s", ev.Code, ev.Text)
			}
		case <-deadline:
			t.Fatalf("Timed out after %d of %d bytes", received.Len(), len(payload))
		}
	}
}

// TestFileTransferFasterThanMessageBudget streams far more chunks in one
// burst than the inbound message budget allows for chat traffic. The relay
// must pass every chunk and the completion through regardless: chunk pacing
// is governed by the transfer protocol, not the chat limiter.
func TestFileTransferFasterThanMessageBudget(t *testing.T) {
	addr, _ := testhelpers.StartRelay(t, nil)

	alice := testhelpers.Connect(t, addr, "alice")
	bob := testhelpers.Connect(t, addr, "bob")

	total := 3 * server.NewConfig().RateLimit.Burst

	id, err := alice.OfferFile("bob", "burst.bin", int64(total))
	if err != nil {
		t.Fatalf("Failed to offer file: %v", err)
	}
	offer := testhelpers.WaitForEvent(t, bob, client.EventFileOffer, "file offer")
	if err := bob.AcceptOffer(offer.TransferID); err != nil {
		t.Fatalf("Failed to accept offer: %v", err)
	}
	testhelpers.WaitForEvent(t, alice, client.EventFileAck, "transfer acceptance")

	// Full speed, no pacing.
	for i := 0; i < total; i++ {
		if err := alice.SendChunk(id, uint64(i), []byte{byte(i)}); err != nil {
			t.Fatalf("Failed to send chunk %d: %v", i, err)
		}
	}
	if err := alice.CompleteTransfer(id); err != nil {
		t.Fatalf("Failed to complete transfer: %v", err)
	}

	var got int
	deadline := time.After(testhelpers.DialTimeout)
	for {
		select {
		case ev, ok := <-bob.Events():
			if !ok {
				t.Fatalf("Event stream closed after %d of %d chunks", got, total)
			}
			switch ev.Kind {
			case client.EventFileChunk:
				if ev.Seq != uint64(got) {
					t.Fatalf("Chunk %d out of order, expected %d", ev.Seq, got)
				}
				got++
			case client.EventFileComplete:
				if got != total {
					t.Errorf("Completion after %d of %d chunks", got, total)
				}
				return
			case client.EventError:
				t.Fatalf("Transfer failed after %d chunks: %s %s", got, ev.Code, ev.Text)
			}
		case <-deadline:
			t.Fatalf("Timed out with %d of %d chunks relayed", got, total)
		}
	}
}

// TestFileTransferSurvivesChatTraffic interleaves broadcasts with chunks and
// verifies both arrive intact and in order.
func TestFileTransferSurvivesChatTraffic(t *testing.T) {
	addr, _ := testhelpers.StartRelay(t, nil)

	alice := testhelpers.Connect(t, addr, "alice")
	bob := testhelpers.Connect(t, addr, "bob")

	id, err := alice.OfferFile("bob", "mixed.bin", 3)
	if err != nil {
		t.Fatalf("Failed to offer file: %v", err)
	}
	offer := testhelpers.WaitForEvent(t, bob, client.EventFileOffer, "file offer")
	if err := bob.AcceptOffer(offer.TransferID); err != nil {
		t.Fatalf("Failed to accept offer: %v", err)
	}
	testhelpers.WaitForEvent(t, alice, client.EventFileAck, "transfer acceptance")

	for i := 0; i < 3; i++ {
		if err := alice.SendText("chat during transfer"); err != nil {
			t.Fatalf("Failed to send broadcast: %v", err)
		}
		if err := alice.SendChunk(id, uint64(i), []byte{byte(i)}); err != nil {
			t.Fatalf("Failed to send chunk %d: %v", i, err)
		}
	}
	if err := alice.CompleteTransfer(id); err != nil {
		t.Fatalf("Failed to complete transfer: %v", err)
	}

	var chunks, texts int
	deadline := time.After(testhelpers.DialTimeout)
	for {
		select {
		case ev, ok := <-bob.Events():
			if !ok {
				t.Fatal("Event stream closed early")
			}
			switch ev.Kind {
			case client.EventFileChunk:
				if ev.Seq != uint64(chunks) {
					t.Fatalf("Chunk %d out of order, expected %d", ev.Seq, chunks)
				}
				chunks++
			case client.EventText:
				texts++
			case client.EventFileComplete:
				if chunks != 3 {
					t.Errorf("Expected 3 chunks before completion, got %d", chunks)
				}
				if texts != 3 {
					t.Errorf("Expected 3 broadcasts, got %d", texts)
				}
				return
			case client.EventError:
				t.Fatalf("Transfer failed: %s %s", ev.Code, ev.Text)
			}
		case <-deadline:
			t.Fatal("Timed out waiting for transfer completion")
		}
	}
}
