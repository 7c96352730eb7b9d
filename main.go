// Command qcp is a QUIC-accelerated remote file-copy tool bootstrapped
// over SSH (spec §1). It shares one binary between client and server
// roles: the client invokes itself over ssh with --server to run the
// peer half of the protocol.
//
// Grounded on the teacher's flat repo layout (root-level main.go, no
// cmd/ tree) and its plain, linear main(): dispatch on a mode flag,
// call straight into the package that does the work, log.Fatal on
// setup failure. Flag parsing itself is generalized from the
// teacher's stdlib flag.String calls to github.com/spf13/cobra, a
// pack dependency the teacher's go.mod carried but never imported
// (see DESIGN.md).
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"qcp/config"
	"qcp/congestion"
	"qcp/control"
	"qcp/identity"
	"qcp/session"
	"qcp/sshlaunch"
	"qcp/target"
	"qcp/telemetry"
	"qcp/transfer"
	"qcp/transport"
	"qcp/wire"
)

// cliFlags mirrors spec §6's client-mode invocation flags.
type cliFlags struct {
	rx          string
	tx          string
	rtt         string
	port        string
	family      string
	sshConfig   string
	sshCmd      string
	sshOptions  []string
	congestion  string
	configFile  string
	helpBuffers bool
	server      bool
}

func main() {
	log.SetFlags(0)
	// Output defaults to os.Stderr (the log package's own default;
	// qcp's stdout is the control channel in --server mode) until
	// resolveConfig has a chance to apply config.GlobalLogConfig's
	// lumberjack rotation settings, in runClient/runServer below.

	var flags cliFlags

	root := &cobra.Command{
		Use:           "qcp [OPTIONS] <SOURCE> <DESTINATION>",
		Short:         "QUIC-accelerated remote file copy, bootstrapped over SSH",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if flags.helpBuffers || flags.server {
				return nil
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.helpBuffers {
				printBufferAdvice(flags)
				return nil
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if flags.server {
				return runServer(ctx, flags)
			}
			return runClient(ctx, flags, args[0], args[1])
		},
	}

	root.Flags().StringVar(&flags.rx, "rx", "", "expected receive throughput, e.g. 100M (bytes/sec)")
	root.Flags().StringVar(&flags.tx, "tx", "", "expected send throughput, e.g. 100M (bytes/sec)")
	root.Flags().StringVar(&flags.rtt, "rtt", "", "expected round-trip time, e.g. 300ms")
	root.Flags().StringVar(&flags.port, "port", "", "UDP port or port-low-port-high range")
	root.Flags().StringVar(&flags.family, "family", "", "address family: auto, ipv4, ipv6")
	root.Flags().StringVar(&flags.sshConfig, "ssh-config", "", "path to an ssh_config file (default ~/.ssh/config)")
	root.Flags().StringVar(&flags.sshCmd, "ssh", "", "ssh client command to invoke (default \"ssh\")")
	root.Flags().StringArrayVarP(&flags.sshOptions, "ssh-option", "S", nil, "passthrough -o option for ssh (repeatable)")
	root.Flags().StringVar(&flags.congestion, "congestion", "", "congestion profile: cubic, bbr")
	root.Flags().StringVar(&flags.configFile, "config", "", "path to a YAML config file (rx/tx/rtt/congestion/log settings)")
	root.Flags().BoolVar(&flags.helpBuffers, "help-buffers", false, "print OS socket-buffer tuning advice and exit")
	root.Flags().BoolVar(&flags.server, "server", false, "internal: run in server mode")
	_ = root.Flags().MarkHidden("server")

	if err := root.Execute(); err != nil {
		log.Fatalf("qcp: %v", err)
	}
}

// resolveConfig loads flags.configFile (if given) as a base config, then
// merges the CLI flags on top; flags set on the command line always win
// over anything a config file might otherwise supply.
func resolveConfig(flags cliFlags) (*config.Config, error) {
	cfg := &config.Config{}
	if flags.configFile != "" {
		loaded, err := config.LoadConfig(flags.configFile)
		if err != nil {
			return nil, fmt.Errorf("--config: %w", err)
		}
		cfg = loaded
	}

	if flags.congestion != "" {
		cfg.Congestion = flags.congestion
	}
	if flags.family != "" {
		cfg.Family = flags.family
	}
	if flags.sshConfig != "" {
		cfg.SSHConfig = flags.sshConfig
	}
	if flags.sshCmd != "" {
		cfg.SSHCommand = flags.sshCmd
	}
	if len(flags.sshOptions) > 0 {
		cfg.SSHOptions = flags.sshOptions
	}

	if flags.rx != "" {
		v, err := parseSize(flags.rx)
		if err != nil {
			return nil, fmt.Errorf("--rx: %w", err)
		}
		cfg.Rx = v
	}
	if flags.tx != "" {
		v, err := parseSize(flags.tx)
		if err != nil {
			return nil, fmt.Errorf("--tx: %w", err)
		}
		cfg.Tx = v
	}
	if flags.rtt != "" {
		d, err := time.ParseDuration(flags.rtt)
		if err != nil {
			return nil, fmt.Errorf("--rtt: %w", err)
		}
		cfg.RTT = config.DurationString(d)
	}
	if flags.port != "" {
		low, high, err := parsePortRange(flags.port)
		if err != nil {
			return nil, err
		}
		cfg.PortLow, cfg.PortHigh = low, high
	}
	cfg.SetDefaults()
	return cfg, nil
}

// parseSize accepts a plain byte count or a config.SizeString-style
// suffixed literal (10K, 2M, 1G), so --rx/--tx take the same syntax a
// config file's rx/tx fields do.
func parseSize(s string) (config.SizeString, error) {
	multiplier := int64(1)
	trimmed := s
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier, trimmed = 1<<10, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier, trimmed = 1<<20, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier, trimmed = 1<<30, strings.TrimSuffix(s, "G")
	}
	v, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return config.SizeString(v * multiplier), nil
}

func parsePortRange(s string) (low, high int, err error) {
	parts := strings.SplitN(s, "-", 2)
	low, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("--port: invalid port %q", parts[0])
	}
	if len(parts) == 1 {
		return low, low, nil
	}
	high, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("--port: invalid port %q", parts[1])
	}
	return low, high, nil
}

// printBufferAdvice implements --help-buffers (spec §6): a static,
// platform-aware OS tuning suggestion. qcp never measures or sets
// these itself (spec §1 lists "OS socket buffer probing" as an
// external collaborator's job).
func printBufferAdvice(flags cliFlags) {
	rx := "12500000"
	if flags.rx != "" {
		rx = flags.rx
	}
	fmt.Printf(`qcp socket buffer tuning advice

qcp's throughput on a long-fat network is bounded in part by the OS's
UDP socket buffer sizes. On %s, consider raising:

    sudo sysctl -w net.core.rmem_max=26214400
    sudo sysctl -w net.core.wmem_max=26214400

These caps should comfortably exceed the configured --rx/--tx (%s
bytes/sec) times the expected round-trip time. qcp does not measure or
set these itself (out of scope, spec §1); this is advice only.
`, runtime.GOOS, rx)
}

// rwPipe adapts a separate reader and writer (the ssh child's
// stdout/stdin, or this process's own stdin/stdout in --server mode)
// into the single io.ReadWriter control.NewChannel expects.
type rwPipe struct {
	io.Reader
	io.Writer
}

// runClient implements spec §6's client-mode invocation: exactly one
// of source/dest is remote.
func runClient(ctx context.Context, flags cliFlags, source, dest string) error {
	cfg, err := resolveConfig(flags)
	if err != nil {
		return err
	}
	log.SetOutput(cfg.GlobalLog.NewLogWriter())

	srcEnd, err := target.Parse(source)
	if err != nil {
		return fmt.Errorf("qcp: source: %w", err)
	}
	dstEnd, err := target.Parse(dest)
	if err != nil {
		return fmt.Errorf("qcp: destination: %w", err)
	}
	if srcEnd.Remote == dstEnd.Remote {
		return errors.New("qcp: exactly one of SOURCE, DESTINATION must be remote")
	}

	var remote target.Endpoint
	var isGet bool
	var localPath string
	if srcEnd.Remote {
		remote, isGet, localPath = srcEnd, true, dstEnd.Path
	} else {
		remote, isGet, localPath = dstEnd, false, srcEnd.Path
	}

	fam, err := target.ParseFamily(cfg.Family)
	if err != nil {
		return err
	}
	resolved, err := target.Resolve(ctx, remote.Host, fam)
	if err != nil {
		return fmt.Errorf("qcp: %w", err)
	}

	alias, err := sshlaunch.ResolveAlias(cfg.SSHConfig, remote.Host, remote.User)
	if err != nil {
		return fmt.Errorf("qcp: ssh config: %w", err)
	}

	remoteArgs := []string{"qcp", "--server"}
	if cfg.Rx != 0 {
		remoteArgs = append(remoteArgs, "--rx", strconv.FormatInt(cfg.Rx.Bytes(), 10))
	}
	if cfg.Tx != 0 {
		remoteArgs = append(remoteArgs, "--tx", strconv.FormatInt(cfg.Tx.Bytes(), 10))
	}
	remoteArgs = append(remoteArgs, "--rtt", cfg.RTT.Duration().String())
	remoteArgs = append(remoteArgs, "--congestion", cfg.Congestion)
	if cfg.PortLow != 0 {
		remoteArgs = append(remoteArgs, "--port", fmt.Sprintf("%d-%d", cfg.PortLow, cfg.PortHigh))
	}

	child, err := sshlaunch.Launch(ctx, cfg.SSHCommand, cfg.SSHOptions, alias.User, alias.Hostname, alias.Port, remoteArgs)
	if err != nil {
		return fmt.Errorf("qcp: launch ssh: %w", err)
	}
	defer func() { _ = child.Kill() }()

	stdin, stdout := child.Stdio()
	ch := control.NewChannel(rwPipe{stdout, stdin})

	hsCtx, cancelHS := context.WithTimeout(ctx, transport.HandshakeTimeout)
	defer cancelHS()

	type hsResult struct {
		cred *identity.Credential
		msg  *wire.ServerMessage
		err  error
	}
	hsDone := make(chan hsResult, 1)
	go func() {
		cred, msg, err := control.ClientHandshake(hsCtx, ch, resolved.Conn)
		hsDone <- hsResult{cred, msg, err}
	}()

	var cred *identity.Credential
	var serverMsg *wire.ServerMessage
	select {
	case r := <-hsDone:
		if r.err != nil {
			// child.Err() blocks until the child exits; check
			// non-blockingly first so a handshake error with the ssh
			// child still alive (e.g. a malformed ServerMessage) returns
			// r.err immediately instead of waiting on the deferred
			// child.Kill() below to ever run.
			select {
			case <-child.Done():
				return fmt.Errorf("qcp: %w", sshlaunch.FatalExitError(child))
			default:
				return fmt.Errorf("qcp: %w", r.err)
			}
		}
		cred, serverMsg = r.cred, r.msg
	case <-child.Done():
		return sshlaunch.FatalExitError(child)
	case <-hsCtx.Done():
		return fmt.Errorf("qcp: control handshake timed out: %w", hsCtx.Err())
	}

	if serverMsg.Warning != "" {
		fmt.Fprintf(os.Stderr, "warning: %s\n", serverMsg.Warning)
	}
	localBW := control.BandwidthParams{RxBytesPerSec: cfg.Rx.Bytes(), TxBytesPerSec: cfg.Tx.Bytes(), RTT: cfg.RTT.Duration()}
	if w := control.CompareBandwidth(localBW, control.ParseBandwidthInfo(serverMsg.BandwidthInfo)); w != "" {
		fmt.Fprintf(os.Stderr, "warning: %s\n", w)
	}

	tlsConf, err := identity.TrustPeer(cred, serverMsg.ServerCertDER, transport.ALPN)
	if err != nil {
		return fmt.Errorf("qcp: %w", err)
	}

	congestionParams, err := cfg.CongestionParams()
	if err != nil {
		return err
	}
	windows := congestion.Derive(congestionParams)

	addr := target.SSHAddr(resolved.Host, int(serverMsg.Port))
	dialCtx, cancelDial := context.WithTimeout(ctx, transport.HandshakeTimeout)
	defer cancelDial()
	tracer := transport.NewTracer()
	ep, err := transport.Dial(dialCtx, addr, tlsConf, windows, tracer)
	if err != nil {
		return fmt.Errorf("qcp: %w", err)
	}
	defer ep.CloseWithError(0, "done")

	start := time.Now()
	var lastProgress transfer.Progress
	onProgress := func(p transfer.Progress) { lastProgress = p }

	var transferErr error
	if isGet {
		transferErr = transfer.RunGet(ctx, ep, remote.Path, localPath, 0, onProgress)
	} else {
		transferErr = transfer.RunPut(ctx, ep, localPath, remote.Path, 0, onProgress)
	}
	elapsed := time.Since(start)

	if transferErr != nil {
		var statusErr *session.StatusError
		if errors.As(transferErr, &statusErr) {
			return fmt.Errorf("qcp: %s: %s", statusErr.Status, statusErr.Message)
		}
		return fmt.Errorf("qcp: %w", transferErr)
	}

	report, recvErr := control.RecvClosedownReport(ch)
	if recvErr != nil {
		report = nil
	}
	outcome := telemetry.BuildOutcome(
		telemetry.LocalCounters{BytesTransferred: uint64(lastProgress.BytesDone), Elapsed: elapsed},
		report, cfg.RTT.Duration(), tracer.SmoothedRTT(),
	)
	fmt.Println(outcome.Summary())
	return nil
}

// deferredTLS lets the server build its QUIC listener (at bind time,
// spec §4.5's "bind UDP before mint" ordering) before the identity it
// will present even exists. tls.Config.GetConfigForClient is resolved
// lazily at actual handshake time (strictly after Accept is called),
// by which point mint has long since completed, so this never races.
type deferredTLS struct {
	cfg atomic.Pointer[tls.Config]
}

func (d *deferredTLS) placeholder() *tls.Config {
	return &tls.Config{
		NextProtos: []string{transport.ALPN},
		GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) {
			cfg := d.cfg.Load()
			if cfg == nil {
				return nil, errors.New("qcp --server: tls identity requested before mint completed")
			}
			return cfg, nil
		},
	}
}

func (d *deferredTLS) resolve(cfg *tls.Config) {
	d.cfg.Store(cfg)
}

// runServer implements spec §6's server-mode invocation, spawned by
// the client over ssh with --server. Its control channel is plain
// stdin/stdout (spec §4.8).
func runServer(ctx context.Context, flags cliFlags) error {
	cfg, err := resolveConfig(flags)
	if err != nil {
		return err
	}
	log.SetOutput(cfg.GlobalLog.NewLogWriter())

	ch := control.NewChannel(rwPipe{os.Stdin, os.Stdout})

	congestionParams, err := cfg.CongestionParams()
	if err != nil {
		return err
	}
	windows := congestion.Derive(congestionParams)
	tracer := transport.NewTracer()

	deferred := &deferredTLS{}
	var listener *transport.Listener
	bind := func(wire.ConnectionType) (int, error) {
		l, err := transport.ListenPortRange(deferred.placeholder(), windows, tracer, cfg.PortLow, cfg.PortHigh)
		if err != nil {
			return 0, err
		}
		listener = l
		return l.Port(), nil
	}

	bandwidthInfo := control.BandwidthParams{RxBytesPerSec: cfg.Rx.Bytes(), TxBytesPerSec: cfg.Tx.Bytes(), RTT: cfg.RTT.Duration()}.Encode()
	cred, clientMsg, _, err := control.ServerHandshake(ctx, ch, bind, "", bandwidthInfo)
	if err != nil {
		return fmt.Errorf("qcp --server: %w", err)
	}

	tlsConf, err := identity.TrustPeer(cred, clientMsg.ClientCertDER, transport.ALPN)
	if err != nil {
		return fmt.Errorf("qcp --server: %w", err)
	}
	deferred.resolve(tlsConf)

	acceptCtx, cancelAccept := context.WithTimeout(ctx, transport.HandshakeTimeout)
	defer cancelAccept()
	ep, err := listener.Accept(acceptCtx)
	if err != nil {
		return fmt.Errorf("qcp --server: accept: %w", err)
	}
	defer ep.CloseWithError(0, "done")

	rootDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("qcp --server: %w", err)
	}
	if err := transfer.ServeOne(ctx, ep, rootDir); err != nil {
		log.Printf("qcp --server: transfer: %v", err)
	}

	report := telemetry.HarvestAfterQuiescence(ctx, ep)
	if report != nil {
		if err := control.SendClosedownReport(ch, report); err != nil {
			return fmt.Errorf("qcp --server: send closedown report: %w", err)
		}
	}
	return nil
}
