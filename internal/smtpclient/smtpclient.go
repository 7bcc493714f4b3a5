// Package smtpclient is a minimal, typed wrapper over the subset of SMTP
// the dispatcher needs: HELO, MAIL FROM, RCPT TO (with 551 forward-address
// chasing), chunked DATA streaming, and QUIT. It is built directly on
// net/textproto rather than net/smtp because net/smtp always wraps
// MAIL FROM / RCPT TO arguments in angle brackets; this wire format appends
// addresses to the command word verbatim, which net/smtp cannot express.
package smtpclient

import (
	"context"
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// heloIdentity is the fixed HELO identity the client presents.
const heloIdentity = "notifydispatch"

// chunkSize is the fixed-size slice length write_chunks streams a body in.
const chunkSize = 3000

// maxRcptForwards bounds the 551 "user not local" forward-chase: one
// initial RCPT plus up to this many retries against forwarded addresses,
// for 22 RCPT commands issued in the worst case.
const maxRcptForwards = 21

// Reply is an SMTP server reply: a three-digit code and its text.
type Reply struct {
	Code int
	Text string
}

// ErrorKind classifies a delivery failure for retry accounting.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindPermanent
	KindLocal
)

// ClassifyCode maps a reply code's class to an ErrorKind.
func ClassifyCode(code int) ErrorKind {
	switch code / 100 {
	case 4:
		return KindTransient
	case 5:
		return KindPermanent
	default:
		return KindLocal
	}
}

// Session is an open, authenticated-free SMTP connection after a
// successful HELO.
type Session struct {
	conn net.Conn
	tp   *textproto.Conn
	dw   *textproto.DotWriter
}

// Open connects to host:port, issues HELO, and returns the session and the
// reply that determines success: the connect greeting if it was not 220,
// otherwise the HELO reply. A non-nil error indicates a transport failure;
// a nil error with a reply code other than 250 indicates a protocol-level
// rejection. Callers must treat both as connection failure.
func Open(ctx context.Context, host string, port int) (*Session, Reply, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, Reply{}, errors.Wrapf(err, "dial smtp %s", addr)
	}

	tp := textproto.NewConn(conn)
	greet, err := readReply(tp.Reader)
	if err != nil {
		conn.Close()
		return nil, Reply{}, errors.Wrap(err, "read smtp greeting")
	}
	if greet.Code != 220 {
		conn.Close()
		return nil, greet, nil
	}

	sess := &Session{conn: conn, tp: tp}
	heloReply, err := sess.cmd("HELO " + heloIdentity)
	if err != nil {
		conn.Close()
		return nil, greet, errors.Wrap(err, "send HELO")
	}
	if heloReply.Code != 250 {
		conn.Close()
	}
	return sess, heloReply, nil
}

// MailFrom issues MAIL FROM:<email> with the address appended verbatim
// (no angle brackets).
func (s *Session) MailFrom(email string) (Reply, error) {
	return s.cmd("MAIL FROM:" + email)
}

// RcptTo issues RCPT TO:<email>. On a 551 reply it parses the first
// whitespace-delimited token of the reply text containing "@" and retries
// with that forwarded address, up to 22 total RCPT commands (one initial
// plus 21 forward retries). Any reply outside {250,251,551} is returned
// immediately. A transport error terminates the chase and returns the last
// reply obtained.
func (s *Session) RcptTo(email string) (Reply, error) {
	addr := email
	var last Reply
	for attempt := 0; attempt <= maxRcptForwards; attempt++ {
		reply, err := s.cmd("RCPT TO:" + addr)
		if err != nil {
			return last, nil
		}
		last = reply
		if reply.Code == 250 || reply.Code == 251 {
			return reply, nil
		}
		if reply.Code != 551 {
			return reply, nil
		}
		if attempt == maxRcptForwards {
			break
		}
		fwd, ok := parseForwardAddress(reply.Text)
		if !ok {
			return reply, nil
		}
		addr = fwd
	}
	return last, nil
}

// OpenData issues DATA; on a 354 reply it opens the dot-stuffed data
// writer subsequent WriteHeaders/WriteString/WriteChunks calls target.
func (s *Session) OpenData() (Reply, error) {
	reply, err := s.cmd("DATA")
	if err != nil {
		return Reply{}, err
	}
	if reply.Code == 354 {
		s.dw = s.tp.Writer.DotWriter()
	}
	return reply, nil
}

// WriteHeaders writes the Date/From/To/Subject/Content-type header block
// followed by a blank line into the open DATA section. The Subject header
// intentionally has no space after the colon.
func (s *Session) WriteHeaders(from, to, subject string, date time.Time) error {
	if s.dw == nil {
		return errDataNotOpen
	}
	headers := "Date: " + PrettyDate(date) + "\r\n" +
		"From: " + from + "\r\n" +
		"To: " + to + "\r\n" +
		"Subject:" + subject + "\r\n" +
		"Content-type: text/plain\r\n" +
		"\r\n"
	_, err := s.dw.Write([]byte(headers))
	return err
}

// WriteString writes s verbatim into the open DATA section.
func (s *Session) WriteString(str string) error {
	if s.dw == nil {
		return errDataNotOpen
	}
	_, err := s.dw.Write([]byte(str))
	return err
}

// WriteChunks streams blob into the open DATA section in fixed 3000-byte
// slices until exhausted: a 3000-byte blob is one write, 3001 bytes two,
// and so on.
func (s *Session) WriteChunks(blob []byte) error {
	if s.dw == nil {
		return errDataNotOpen
	}
	for i := 0; i < len(blob); i += chunkSize {
		end := i + chunkSize
		if end > len(blob) {
			end = len(blob)
		}
		if _, err := s.dw.Write(blob[i:end]); err != nil {
			return err
		}
	}
	return nil
}

// CloseData finalizes the DATA section (the terminating "." line) and
// reads the server's reply; success is reply code 250.
func (s *Session) CloseData() (Reply, error) {
	if s.dw == nil {
		return Reply{}, errDataNotOpen
	}
	dw := s.dw
	s.dw = nil
	if err := dw.Close(); err != nil {
		return Reply{}, err
	}
	return readReply(s.tp.Reader)
}

// Close issues QUIT best-effort and closes the underlying connection,
// ignoring any errors from either.
func (s *Session) Close() {
	_, _ = s.cmd("QUIT")
	_ = s.conn.Close()
}

// PrettyDate formats t as "Dow, DD Mon YYYY HH:MM:SS" with the day and
// month in title case, for use in the Date header and message body prefix.
func PrettyDate(t time.Time) string {
	return t.Format("Mon, 02 Jan 2006 15:04:05")
}

func (s *Session) cmd(line string) (Reply, error) {
	if err := s.tp.Writer.PrintfLine("%s", line); err != nil {
		return Reply{}, err
	}
	return readReply(s.tp.Reader)
}

// readReply parses one (possibly multi-line) SMTP reply directly off the
// wire, independent of textproto.Reader.ReadResponse's expected-code
// validation, so the caller always sees the raw numeric code.
func readReply(r *textproto.Reader) (Reply, error) {
	var sb strings.Builder
	code := 0
	for {
		line, err := r.ReadLine()
		if err != nil {
			return Reply{}, err
		}
		if len(line) < 3 {
			return Reply{}, fmt.Errorf("malformed smtp reply line %q", line)
		}
		c, err := strconv.Atoi(line[:3])
		if err != nil {
			return Reply{}, fmt.Errorf("malformed smtp reply code %q", line)
		}
		code = c
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		if len(line) > 4 {
			sb.WriteString(line[4:])
		}
		if len(line) >= 4 && line[3] == '-' {
			continue
		}
		break
	}
	return Reply{Code: code, Text: sb.String()}, nil
}

// parseForwardAddress picks the first whitespace-delimited token of a 551
// reply's text that contains "@".
func parseForwardAddress(text string) (string, bool) {
	for _, tok := range strings.Fields(text) {
		if strings.Contains(tok, "@") {
			return tok, true
		}
	}
	return "", false
}

var errDataNotOpen = errors.New("smtpclient: no open DATA section")
