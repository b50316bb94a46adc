// Command cipherchat-client is a line-oriented terminal client for the
// CipherChat relay. It exists for operating the relay without the graphical
// client: public and private chat, roster queries, and file exchange.
//
// Exit codes: 0 on a clean user-initiated quit, 1 when the relay cannot be
// reached or the connection is lost, 2 when authentication is rejected.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spf13/pflag"

	"github.com/cipherchat/cipherchat/internal/client"
)

const (
	exitClean       = 0
	exitConnFailure = 1
	exitAuthReject  = 2

	chunkSize = 32 * 1024
)

func main() {
	host := pflag.String("host", "127.0.0.1", "relay host")
	port := pflag.Int("port", 5050, "relay port")
	user := pflag.String("user", "", "username to authenticate as")
	downloadDir := pflag.String("download-dir", ".", "directory for received files")
	pflag.Parse()

	if *user == "" {
		fmt.Fprintln(os.Stderr, "cipherchat-client: --user is required")
		os.Exit(exitConnFailure)
	}

	addr := net.JoinHostPort(*host, strconv.Itoa(*port))
	c, err := client.Dial(addr, 10*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cipherchat-client: %v\n", err)
		os.Exit(exitConnFailure)
	}

	if err := c.Login(*user); err != nil {
		fmt.Fprintf(os.Stderr, "cipherchat-client: %v\n", err)
		var authErr *client.AuthError
		if errors.As(err, &authErr) {
			os.Exit(exitAuthReject)
		}
		os.Exit(exitConnFailure)
	}
	fmt.Printf("connected to %s as %s\n", addr, c.Username())

	app := &app{
		client:      c,
		downloadDir: *downloadDir,
		outgoing:    make(map[string]string),
		incoming:    make(map[string]*incomingFile),
	}

	lost := make(chan bool, 1)
	go app.consumeEvents(lost)

	go app.readInput()

	if clean := <-lost; clean {
		os.Exit(exitClean)
	}
	fmt.Fprintln(os.Stderr, "cipherchat-client: server unreachable")
	os.Exit(exitConnFailure)
}

type incomingFile struct {
	file     *os.File
	filename string
	received int64
}

type app struct {
	client      *client.Client
	downloadDir string

	// mu guards the transfer maps, which both the event goroutine and
	// the stdin goroutine touch.
	mu       sync.Mutex
	outgoing map[string]string
	incoming map[string]*incomingFile
	offers   []offer
}

type offer struct {
	id       string
	from     string
	filename string
	size     int64
}

func (a *app) consumeEvents(lost chan<- bool) {
	for ev := range a.client.Events() {
		switch ev.Kind {
		case client.EventText:
			fmt.Printf("[%s] %s: %s\n", ev.Timestamp, ev.Sender, ev.Text)
		case client.EventPrivate:
			if ev.Echo {
				fmt.Printf("[%s] (to %s) %s\n", ev.Timestamp, ev.To, ev.Text)
			} else {
				fmt.Printf("[%s] (from %s) %s\n", ev.Timestamp, ev.Sender, ev.Text)
			}
		case client.EventSystem:
			fmt.Printf("* %s\n", ev.Text)
		case client.EventUserList:
			fmt.Printf("* online: %s\n", strings.Join(ev.Users, ", "))
		case client.EventFileOffer:
			a.mu.Lock()
			a.offers = append(a.offers, offer{id: ev.TransferID, from: ev.Sender, filename: ev.Filename, size: ev.Size})
			n := len(a.offers)
			a.mu.Unlock()
			fmt.Printf("* %s offers %q (%d bytes): /accept %d or /reject %d\n",
				ev.Sender, ev.Filename, ev.Size, n, n)
		case client.EventFileAck:
			a.handleAck(ev)
		case client.EventFileChunk:
			a.handleChunk(ev)
		case client.EventFileComplete:
			a.handleComplete(ev)
		case client.EventError:
			fmt.Printf("! %s: %s\n", ev.Code, ev.Text)
			a.dropTransfer(ev.Text)
		case client.EventDisconnect:
			lost <- ev.Clean
			return
		}
	}
	lost <- true
}

func (a *app) handleAck(ev client.Event) {
	a.mu.Lock()
	path, ok := a.outgoing[ev.TransferID]
	delete(a.outgoing, ev.TransferID)
	a.mu.Unlock()
	if !ok {
		return
	}
	if !ev.Accepted {
		fmt.Printf("* %s rejected %q\n", ev.Sender, filepath.Base(path))
		return
	}
	fmt.Printf("* %s accepted %q, sending...\n", ev.Sender, filepath.Base(path))
	go a.streamFile(ev.TransferID, path)
}

func (a *app) streamFile(transferID, path string) {
	f, err := os.Open(path)
	if err != nil {
		fmt.Printf("! cannot open %q: %v\n", path, err)
		return
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	var seq uint64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := a.client.SendChunk(transferID, seq, chunk); err != nil {
				fmt.Printf("! send chunk: %v\n", err)
				return
			}
			seq++
		}
		if err != nil {
			break
		}
	}
	if err := a.client.CompleteTransfer(transferID); err != nil {
		fmt.Printf("! complete transfer: %v\n", err)
		return
	}
	fmt.Printf("* sent %q (%d chunks)\n", filepath.Base(path), seq)
}

func (a *app) handleChunk(ev client.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	in, ok := a.incoming[ev.TransferID]
	if !ok {
		return
	}
	if _, err := in.file.Write(ev.Data); err != nil {
		fmt.Printf("! write %q: %v\n", in.filename, err)
		in.file.Close()
		delete(a.incoming, ev.TransferID)
		return
	}
	in.received += int64(len(ev.Data))
}

func (a *app) handleComplete(ev client.Event) {
	a.mu.Lock()
	in, ok := a.incoming[ev.TransferID]
	delete(a.incoming, ev.TransferID)
	a.mu.Unlock()
	if !ok {
		return
	}
	in.file.Close()
	fmt.Printf("* received %q (%d bytes)\n", in.filename, in.received)
}

// dropTransfer discards incoming state when the relay reports a transfer
// broken; the error detail names the transfer id.
func (a *app) dropTransfer(detail string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for id, in := range a.incoming {
		if strings.Contains(detail, id) {
			in.file.Close()
			os.Remove(in.file.Name())
			delete(a.incoming, id)
		}
	}
	for id := range a.outgoing {
		if strings.Contains(detail, id) {
			delete(a.outgoing, id)
		}
	}
}

func (a *app) readInput() {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			if err := a.client.SendText(line); err != nil {
				fmt.Printf("! send: %v\n", err)
			}
			continue
		}
		a.runCommand(line)
	}
	// stdin closed: treat like /quit
	_ = a.client.Disconnect()
}

func (a *app) runCommand(line string) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit":
		_ = a.client.Disconnect()
	case "/users":
		if err := a.client.RequestUserList(); err != nil {
			fmt.Printf("! users: %v\n", err)
		}
	case "/msg":
		if len(fields) < 3 {
			fmt.Println("usage: /msg <user> <text>")
			return
		}
		text := strings.TrimSpace(strings.TrimPrefix(line, "/msg "+fields[1]))
		if err := a.client.SendPrivate(fields[1], text); err != nil {
			fmt.Printf("! msg: %v\n", err)
		}
	case "/send":
		if len(fields) != 3 {
			fmt.Println("usage: /send <user> <path>")
			return
		}
		a.sendOffer(fields[1], fields[2])
	case "/accept":
		a.answerOffer(fields, true)
	case "/reject":
		a.answerOffer(fields, false)
	default:
		fmt.Printf("unknown command %s\n", fields[0])
	}
}

func (a *app) sendOffer(to, path string) {
	info, err := os.Stat(path)
	if err != nil {
		fmt.Printf("! send: %v\n", err)
		return
	}
	id, err := a.client.OfferFile(to, filepath.Base(path), info.Size())
	if err != nil {
		fmt.Printf("! send: %v\n", err)
		return
	}
	a.mu.Lock()
	a.outgoing[id] = path
	a.mu.Unlock()
	fmt.Printf("* offered %q to %s, waiting for them to accept\n", filepath.Base(path), to)
}

func (a *app) answerOffer(fields []string, accept bool) {
	if len(fields) != 2 {
		fmt.Printf("usage: %s <offer-number>\n", fields[0])
		return
	}
	n, err := strconv.Atoi(fields[1])
	a.mu.Lock()
	if err != nil || n < 1 || n > len(a.offers) {
		a.mu.Unlock()
		fmt.Println("no such offer")
		return
	}
	of := a.offers[n-1]
	a.mu.Unlock()

	if !accept {
		if err := a.client.RejectOffer(of.id); err != nil {
			fmt.Printf("! reject: %v\n", err)
		}
		return
	}

	dest := filepath.Join(a.downloadDir, filepath.Base(of.filename))
	f, err := os.Create(dest)
	if err != nil {
		fmt.Printf("! accept: %v\n", err)
		return
	}
	a.mu.Lock()
	a.incoming[of.id] = &incomingFile{file: f, filename: dest}
	a.mu.Unlock()
	if err := a.client.AcceptOffer(of.id); err != nil {
		fmt.Printf("! accept: %v\n", err)
	}
}
