// Package pop3 implements the RFC 1939 client used to pull mail from
// provider mailboxes, and a bounded connection pool with retry and
// per-host throttling on top of it.
//
// The client is deliberately sequential: one command in flight, one parsed
// response per call. Multi-line responses are read until the CRLF "." CRLF
// terminator with dot-unstuffing applied.
package pop3

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Config describes one upstream mailbox connection.
type Config struct {
	Host string
	Port int
	// TLS enables implicit TLS (the conventional port 995 mode).
	// Self-signed certificates are accepted: many mail providers and
	// almost all self-hosted boxes use them.
	TLS bool

	ConnectTimeout time.Duration
	CommandTimeout time.Duration
}

type state int

const (
	stateDisconnected state = iota
	stateConnected
	stateAuthenticated
)

// ProtocolError is a -ERR reply from the server. Recoverable: the
// connection is still usable unless the caller decides otherwise.
type ProtocolError struct {
	Cmd  string
	Line string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("pop3: %s: server said %q", e.Cmd, e.Line)
}

// TransportError is a socket-level failure: dial, timeout, or the
// connection dying before the expected reply. The connection is destroyed.
type TransportError struct {
	Cmd string
	Err error
}

func (e *TransportError) Error() string {
	if e.Cmd == "" {
		return fmt.Sprintf("pop3: transport: %v", e.Err)
	}
	return fmt.Sprintf("pop3: %s: transport: %v", e.Cmd, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError is a rejected USER/PASS exchange.
type AuthError struct {
	Line string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("pop3: authentication rejected: %q", e.Line)
}

// UidlEntry is one line of a UIDL response.
type UidlEntry struct {
	Num int
	UID string
}

// ListEntry is one line of a LIST response.
type ListEntry struct {
	Num  int
	Size int
}

// Client is a single POP3 connection. Not safe for concurrent use; the
// pool hands each session to exactly one caller.
type Client struct {
	conn       net.Conn
	r          *bufio.Reader
	w          *bufio.Writer
	cmdTimeout time.Duration
	state      state
}

// Dial connects and consumes the greeting. The returned client is in the
// pre-authentication state; call Login next.
func Dial(cfg Config) (*Client, error) {
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}

	var conn net.Conn
	var err error
	if cfg.TLS {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{
			ServerName:         cfg.Host,
			InsecureSkipVerify: true,
		})
	} else {
		conn, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("dial %s: %w", addr, err)}
	}

	c := &Client{
		conn:       conn,
		r:          bufio.NewReader(conn),
		w:          bufio.NewWriter(conn),
		cmdTimeout: cfg.CommandTimeout,
		state:      stateConnected,
	}

	// Server speaks first: a single +OK greeting line.
	c.armDeadline()
	line, err := c.readLine()
	if err != nil {
		c.destroy()
		return nil, &TransportError{Cmd: "greeting", Err: err}
	}
	if !strings.HasPrefix(line, "+OK") {
		c.destroy()
		return nil, &ProtocolError{Cmd: "greeting", Line: line}
	}
	return c, nil
}

// Login authenticates with USER/PASS. Any non-+OK reply is an AuthError.
func (c *Client) Login(username, password string) error {
	if c.state != stateConnected {
		return fmt.Errorf("pop3: login in wrong state")
	}
	if _, err := c.command("USER " + username); err != nil {
		return authify(err)
	}
	if _, err := c.command("PASS " + password); err != nil {
		return authify(err)
	}
	c.state = stateAuthenticated
	return nil
}

func authify(err error) error {
	if pe, ok := err.(*ProtocolError); ok {
		return &AuthError{Line: pe.Line}
	}
	return err
}

// Stat returns the message count and total mailbox size.
func (c *Client) Stat() (count, size int, err error) {
	line, err := c.transactionCmd("STAT")
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(strings.TrimPrefix(line, "+OK"))
	if len(fields) < 2 {
		return 0, 0, &ProtocolError{Cmd: "STAT", Line: line}
	}
	count, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, &ProtocolError{Cmd: "STAT", Line: line}
	}
	size, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, &ProtocolError{Cmd: "STAT", Line: line}
	}
	return count, size, nil
}

// List returns (num, size) for every message.
func (c *Client) List() ([]ListEntry, error) {
	body, err := c.transactionMulti("LIST")
	if err != nil {
		return nil, err
	}
	var out []ListEntry
	for _, line := range splitLines(body) {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		num, err1 := strconv.Atoi(fields[0])
		size, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, ListEntry{Num: num, Size: size})
	}
	return out, nil
}

// Uidl returns (num, uid) for every message, in server order. The UID is
// everything after the first space, opaque to us.
func (c *Client) Uidl() ([]UidlEntry, error) {
	body, err := c.transactionMulti("UIDL")
	if err != nil {
		return nil, err
	}
	var out []UidlEntry
	for _, line := range splitLines(body) {
		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			continue
		}
		num, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		out = append(out, UidlEntry{Num: num, UID: parts[1]})
	}
	return out, nil
}

// Retr downloads the raw RFC 5322 message, headers and body, with POP3
// dot-stuffing undone.
func (c *Client) Retr(num int) ([]byte, error) {
	return c.transactionMulti("RETR " + strconv.Itoa(num))
}

// Dele marks a message for deletion; the server commits on QUIT.
func (c *Client) Dele(num int) error {
	_, err := c.transactionCmd("DELE " + strconv.Itoa(num))
	return err
}

// Rset unmarks all deletions.
func (c *Client) Rset() error {
	_, err := c.transactionCmd("RSET")
	return err
}

// Noop is a keepalive.
func (c *Client) Noop() error {
	_, err := c.transactionCmd("NOOP")
	return err
}

// Quit ends the session cleanly and closes the connection.
func (c *Client) Quit() error {
	if c.state == stateDisconnected {
		return nil
	}
	_, err := c.command("QUIT")
	c.destroy()
	return err
}

// Close tears the connection down without QUIT, abandoning any pending
// deletions.
func (c *Client) Close() {
	c.destroy()
}

func (c *Client) destroy() {
	if c.conn != nil {
		c.conn.Close()
	}
	c.state = stateDisconnected
}

func (c *Client) transactionCmd(cmd string) (string, error) {
	if c.state != stateAuthenticated {
		return "", fmt.Errorf("pop3: %s before authentication", cmdName(cmd))
	}
	return c.command(cmd)
}

func (c *Client) transactionMulti(cmd string) ([]byte, error) {
	if c.state != stateAuthenticated {
		return nil, fmt.Errorf("pop3: %s before authentication", cmdName(cmd))
	}
	if _, err := c.command(cmd); err != nil {
		return nil, err
	}
	body, err := c.readMultiline()
	if err != nil {
		c.destroy()
		return nil, &TransportError{Cmd: cmdName(cmd), Err: err}
	}
	return body, nil
}

// command writes one command line and reads its status line. The command
// timeout covers the full exchange; expiry destroys the socket.
func (c *Client) command(cmd string) (string, error) {
	name := cmdName(cmd)
	c.armDeadline()
	if _, err := c.w.WriteString(cmd + "\r\n"); err != nil {
		c.destroy()
		return "", &TransportError{Cmd: name, Err: err}
	}
	if err := c.w.Flush(); err != nil {
		c.destroy()
		return "", &TransportError{Cmd: name, Err: err}
	}
	line, err := c.readLine()
	if err != nil {
		c.destroy()
		return "", &TransportError{Cmd: name, Err: err}
	}
	if strings.HasPrefix(line, "+OK") {
		return line, nil
	}
	// -ERR, or anything else the server invents.
	return "", &ProtocolError{Cmd: name, Line: line}
}

func (c *Client) armDeadline() {
	if c.cmdTimeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.cmdTimeout))
	}
}

// readLine reads one CRLF-terminated line, without the terminator.
func (c *Client) readLine() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readMultiline reads body lines until the lone "." terminator,
// un-stuffing leading ".." and preserving CRLF between lines.
func (c *Client) readMultiline() ([]byte, error) {
	var buf bytes.Buffer
	for {
		line, err := c.r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "." {
			return buf.Bytes(), nil
		}
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}
}

func cmdName(cmd string) string {
	if i := strings.IndexByte(cmd, ' '); i > 0 {
		return cmd[:i]
	}
	return cmd
}

func splitLines(body []byte) []string {
	s := strings.TrimRight(string(body), "\r\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\r\n")
}
