// Package sshlaunch is the SSH Launcher (spec §4.8): it spawns the
// remote qcp peer as a child process of the system's ssh client,
// attaches the child's stdin/stdout as the control-protocol transport
// (package control), and passes the child's stderr through to the
// user's terminal for password prompts and host-key banners.
//
// Grounded on the isgasho-xs "xs" secure-copy tool (other_examples/),
// the only retrieved example that spawns a remote-copy peer as a
// child process and wires its std streams to a protocol connection:
// c.Stdout/c.Stdin bound to the protocol transport, c.Stderr left on
// the terminal, c.Start() followed by a goroutine-observed c.Wait().
// The teacher has no child-process launcher of its own (its bridges
// are always already-connected sockets), so the exec-plumbing idiom is
// adopted from the pack rather than the teacher.
package sshlaunch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/kevinburke/ssh_config"
)

// stderrTailLines bounds how much of the child's stderr is retained
// for the fatal-error message when it exits before completing the
// handshake (spec §7: "SSH bootstrap errors forward the ssh child's
// stderr tail").
const stderrTailLines = 20

// ResolvedHost is the outcome of consulting ~/.ssh/config for a Host
// alias (spec §4.8: "Consults the client's ssh_config to resolve Host
// alias -> Hostname... and to honor User, Port. Match directives are
// explicitly unsupported.").
type ResolvedHost struct {
	Hostname string // the actual name used for QUIC dialing
	User     string // empty if ssh_config has none and none was given explicitly
	Port     int    // 0 if unspecified (let ssh pick its own default)
}

// ResolveAlias resolves host through the ssh_config file at path (pass
// "" for the user's default ~/.ssh/config and /etc/ssh/ssh_config).
// explicitUser, if non-empty, overrides whatever ssh_config would
// otherwise supply for User.
func ResolveAlias(path, host, explicitUser string) (ResolvedHost, error) {
	var cfg *ssh_config.Config
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return ResolvedHost{}, fmt.Errorf("sshlaunch: open ssh config %s: %w", path, err)
		}
		defer f.Close()
		cfg, err = ssh_config.Decode(f)
		if err != nil {
			return ResolvedHost{}, fmt.Errorf("sshlaunch: parse ssh config %s: %w", path, err)
		}
	}

	hostname := lookup(cfg, host, "HostName")
	if hostname == "" {
		hostname = host
	}

	user := explicitUser
	if user == "" {
		user = lookup(cfg, host, "User")
	}

	var port int
	if p := lookup(cfg, host, "Port"); p != "" {
		if v, err := strconv.Atoi(p); err == nil {
			port = v
		}
	}

	return ResolvedHost{Hostname: hostname, User: user, Port: port}, nil
}

// lookup consults cfg if non-nil, else falls back to the package-level
// default (~/.ssh/config + /etc/ssh/ssh_config), matching ssh_config's
// own documented default-config behavior. Any error GetStrict reports
// (for example a malformed default config file) is treated as "no
// value" and is not returned to the caller.
func lookup(cfg *ssh_config.Config, host, key string) string {
	if cfg != nil {
		v, err := cfg.GetStrict(host, key)
		if err != nil {
			return ""
		}
		return v
	}
	v, err := ssh_config.GetStrict(host, key)
	if err != nil {
		return ""
	}
	return v
}

// Child is a running ssh child process with its stdin/stdout exposed
// as the control-protocol transport (see Stdio) and its exit tracked in
// the background.
type Child struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	tailMu sync.Mutex
	tail   []string

	waitErr error
	done    chan struct{}
}

// Launch spawns `sshCmd [-o sshOption]... [-p port] [user@]host qcpRemoteCmd...`.
// user and port may be empty/zero to omit those arguments. The
// returned Child's stdin/stdout are the control channel transport;
// stderr is inherited by this process's stderr (spec §4.8: "stderr
// passes through to the user's terminal").
func Launch(ctx context.Context, sshCmd string, sshOptions []string, user, host string, port int, qcpRemoteCmd []string) (*Child, error) {
	args := make([]string, 0, len(sshOptions)+len(qcpRemoteCmd)+4)
	for _, o := range sshOptions {
		args = append(args, "-o", o)
	}
	if port != 0 {
		args = append(args, "-p", strconv.Itoa(port))
	}
	dest := host
	if user != "" {
		dest = user + "@" + host
	}
	args = append(args, dest)
	args = append(args, qcpRemoteCmd...)

	cmd := exec.CommandContext(ctx, sshCmd, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("sshlaunch: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("sshlaunch: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("sshlaunch: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("sshlaunch: start %s: %w", sshCmd, err)
	}

	c := &Child{cmd: cmd, stdin: stdin, stdout: stdout, done: make(chan struct{})}
	go c.teeStderr(stderr)
	go c.wait()
	return c, nil
}

// teeStderr copies the child's stderr to this process's stderr (so
// password prompts and host-key banners still reach the user) while
// also retaining the last stderrTailLines lines for StderrTail.
func (c *Child) teeStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Fprintln(os.Stderr, line)
		c.tailMu.Lock()
		c.tail = append(c.tail, line)
		if len(c.tail) > stderrTailLines {
			c.tail = c.tail[len(c.tail)-stderrTailLines:]
		}
		c.tailMu.Unlock()
	}
}

func (c *Child) wait() {
	c.waitErr = c.cmd.Wait()
	close(c.done)
}

// Stdio returns the control-channel transport: writes go to the
// child's stdin, reads come from its stdout.
func (c *Child) Stdio() (io.WriteCloser, io.ReadCloser) {
	return c.stdin, c.stdout
}

// Done reports when the child has exited, for a select alongside the
// control-protocol handshake so a premature exit can be converted into
// a fatal error instead of hanging on a read that will never produce
// data (spec §7: "SSH bootstrap error: ... control channel EOF before
// ServerMessage").
func (c *Child) Done() <-chan struct{} {
	return c.done
}

// Err returns the child's exit error once Done is closed; nil if it
// exited zero.
func (c *Child) Err() error {
	<-c.done
	return c.waitErr
}

// StderrTail returns the last lines the child wrote to stderr, for
// inclusion in a fatal error message.
func (c *Child) StderrTail() string {
	c.tailMu.Lock()
	defer c.tailMu.Unlock()
	return strings.Join(c.tail, "\n")
}

// Kill signals the child process (SIGINT propagation path, spec §5
// scenario S6: "SSH child is signaled").
func (c *Child) Kill() error {
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Kill()
}

// FatalExitError builds the spec §7 "SSH bootstrap error" message when
// the child exits before completing the control handshake.
func FatalExitError(c *Child) error {
	err := c.Err()
	tail := c.StderrTail()
	if tail == "" {
		return fmt.Errorf("sshlaunch: ssh exited before completing the handshake: %w", err)
	}
	return fmt.Errorf("sshlaunch: ssh exited before completing the handshake: %w\n%s", err, tail)
}
