// Package chatclient implements the client side of the server
// protocol: connect, immediately send set_username, follow any
// redirect frame to the named leader, and keep the session alive with
// periodic pings.
package chatclient

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meshchat/meshchat/internal/clusterconfig"
	"github.com/meshchat/meshchat/internal/wire"
)

// Client holds one terminal session's connection state. It reconnects
// in place when redirected, so one Client value follows a session
// across every redirect it receives.
type Client struct {
	username string
	entry    clusterconfig.PeerDescriptor
	timeouts clusterconfig.Timeouts
	log      *zap.SugaredLogger

	mu   sync.Mutex
	conn net.Conn

	lastFrame guardedTime
}

// guardedTime holds the last-frame timestamp shared between the ping
// loop and the frame reader. time.Time isn't safe to share across
// goroutines without a lock.
type guardedTime struct {
	mu sync.Mutex
	t  time.Time
}

func (g *guardedTime) set(t time.Time) {
	g.mu.Lock()
	g.t = t
	g.mu.Unlock()
}

func (g *guardedTime) get() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.t
}

// New creates a client that will connect to entry first, sending
// username as its set_username command.
func New(entry clusterconfig.PeerDescriptor, username string, timeouts clusterconfig.Timeouts, log *zap.SugaredLogger) *Client {
	return &Client{entry: entry, username: username, timeouts: timeouts, log: log}
}

// Run connects, follows redirects, and blocks reading frames to stdout
// until the connection is lost or the process is interrupted. A
// single command reader on stdin feeds outbound commands.
func (c *Client) Run() error {
	target := c.entry
	for {
		conn, err := c.connectAndIdentify(target)
		if err != nil {
			return fmt.Errorf("connect to %s: %w", target.ServerID, err)
		}

		redirectTo, err := c.session(conn)
		conn.Close()
		if err != nil {
			return err
		}
		if redirectTo == nil {
			return nil
		}
		target = *redirectTo
		fmt.Printf("redirected to %s (%s:%d)\n", target.ServerID, target.Host, target.TCPPort)
	}
}

func (c *Client) connectAndIdentify(p clusterconfig.PeerDescriptor) (net.Conn, error) {
	addr := net.JoinHostPort(p.Host, strconv.Itoa(p.TCPPort))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	if err := wire.WriteCommand(conn, wire.CmdSetUsername, wire.SetUsernamePayload{Username: c.username}); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// redirectTarget converts a redirect frame's payload into a peer
// descriptor the client can dial next.
func redirectTarget(p wire.RedirectPayload) clusterconfig.PeerDescriptor {
	return clusterconfig.PeerDescriptor{ServerID: p.LeaderID, Host: p.LeaderHost, TCPPort: p.LeaderPort}
}

// session runs one connection's lifetime: a ping loop, a frame-reading
// loop, and a stdin-command loop, until any of them signals the
// connection should end. Returns a redirect target if one was
// received, or nil if the client should stop entirely.
func (c *Client) session(conn net.Conn) (*clusterconfig.PeerDescriptor, error) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.lastFrame.set(time.Now())

	done := make(chan *clusterconfig.PeerDescriptor, 1)
	readErrCh := make(chan error, 1)

	go c.pingLoop(conn, done)
	go c.stdinLoop(conn)

	go func() {
		for {
			frame, err := wire.ReadFrame(conn, c.timeouts.ClientPongTimeout)
			if err != nil {
				readErrCh <- err
				return
			}
			c.lastFrame.set(time.Now())
			if frame.Type == wire.FrameRedirect {
				var p wire.RedirectPayload
				if decodeErr := decodePayload(frame.Payload, &p); decodeErr == nil {
					target := redirectTarget(p)
					done <- &target
					return
				}
			}
			printFrame(frame)
		}
	}()

	select {
	case target := <-done:
		return target, nil
	case err := <-readErrCh:
		return nil, err
	}
}

func (c *Client) pingLoop(conn net.Conn, done chan<- *clusterconfig.PeerDescriptor) {
	ticker := time.NewTicker(c.timeouts.ClientPingInterval)
	defer ticker.Stop()
	for range ticker.C {
		if time.Since(c.lastFrame.get()) > c.timeouts.ClientPongTimeout {
			c.log.Warnw("no server frame within pong timeout, treating session as dead")
			conn.Close()
			return
		}
		if err := wire.WriteCommand(conn, wire.CmdPing, nil); err != nil {
			return
		}
	}
}

func (c *Client) stdinLoop(conn net.Conn) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		cmd, payload := parseLine(line)
		if cmd == "" {
			continue
		}
		if err := wire.WriteCommand(conn, cmd, payload); err != nil {
			return
		}
	}
}
