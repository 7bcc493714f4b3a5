package dispatch_test

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
)

// fakeSMTPServer is a minimal SMTP server (one goroutine per connection) used
// to drive the dispatcher's coalescing state machine and failure paths
// under deterministic, scripted replies that github.com/mocktools/
// go-smtp-mock/v2 does not expose fine-grained control over (per-address
// RCPT replies, 551 forward chains).
type fakeSMTPServer struct {
	ln net.Listener

	mu       sync.Mutex
	greeting string
	helo     string
	mailFrom func(addr string) string
	rcptTo   func(addr string) string
	dataOpen string
	dataDone string

	mu2      sync.Mutex
	messages []string
}

func newFakeSMTPServer() (*fakeSMTPServer, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &fakeSMTPServer{
		ln:       ln,
		greeting: "220 ready",
		helo:     "250 ok",
		mailFrom: func(string) string { return "250 ok" },
		rcptTo:   func(string) string { return "250 ok" },
		dataOpen: "354 go",
		dataDone: "250 ok",
	}
	go s.serve()
	return s, nil
}

func (s *fakeSMTPServer) addr() (string, int) {
	tcp := s.ln.Addr().(*net.TCPAddr)
	return tcp.IP.String(), tcp.Port
}

func (s *fakeSMTPServer) close() { s.ln.Close() }

func (s *fakeSMTPServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeSMTPServer) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := conn

	fmt.Fprintf(w, "%s\r\n", s.greeting)
	if !strings.HasPrefix(s.greeting, "220") {
		return
	}

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		upper := strings.ToUpper(line)

		switch {
		case strings.HasPrefix(upper, "HELO"):
			fmt.Fprintf(w, "%s\r\n", s.helo)
		case strings.HasPrefix(upper, "MAIL FROM:"):
			addr := line[len("MAIL FROM:"):]
			fmt.Fprintf(w, "%s\r\n", s.mailFrom(addr))
		case strings.HasPrefix(upper, "RCPT TO:"):
			addr := line[len("RCPT TO:"):]
			fmt.Fprintf(w, "%s\r\n", s.rcptTo(addr))
		case upper == "DATA":
			fmt.Fprintf(w, "%s\r\n", s.dataOpen)
			if !strings.HasPrefix(s.dataOpen, "354") {
				continue
			}
			var body strings.Builder
			for {
				l, err := r.ReadString('\n')
				if err != nil {
					return
				}
				if l == ".\r\n" || l == ".\n" {
					break
				}
				body.WriteString(l)
			}
			s.mu2.Lock()
			s.messages = append(s.messages, body.String())
			s.mu2.Unlock()
			fmt.Fprintf(w, "%s\r\n", s.dataDone)
		case upper == "QUIT":
			fmt.Fprintf(w, "221 bye\r\n")
			return
		default:
			fmt.Fprintf(w, "500 unrecognized command\r\n")
		}
	}
}
