package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"knobd/encoder"
	"knobd/gpio"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("knobd v%s\n", version)
	fmt.Println("Rotary encoder daemon (quadrature decoding with velocity tracking)")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  knobd [OPTIONS]")
	fmt.Println("  knobd send [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Daemon that decodes a quadrature rotary encoder wired to two GPIO lines")
	fmt.Println("  and publishes direction, velocity and step count over a state WebSocket.")
	fmt.Println("  Runtime tuning (sensitivity, velocity factors) is available over a Unix")
	fmt.Println("  domain socket IPC interface.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -config string")
	fmt.Println("        Path to YAML configuration file (optional; flags override it)")
	fmt.Println()
	fmt.Println("  -gpio-chip string")
	fmt.Printf("        GPIO character device (default %q)\n", defaultGPIOChip)
	fmt.Println()
	fmt.Println("  -gpio-line-dt uint")
	fmt.Printf("        Line offset of the encoder DT pin (default %d)\n", defaultLineDT)
	fmt.Println()
	fmt.Println("  -gpio-line-clk uint")
	fmt.Printf("        Line offset of the encoder CLK pin (default %d)\n", defaultLineCLK)
	fmt.Println()
	fmt.Println("  -gpio-pull-up")
	fmt.Println("        Enable the internal pull-up bias on both lines (default true;")
	fmt.Println("        use -gpio-pull-up=false for externally biased wiring)")
	fmt.Println()
	fmt.Println("  -sensitivity string")
	fmt.Println("        Detent sensitivity: default|low (default \"default\")")
	fmt.Println()
	fmt.Println("  -vel-inc-factor float")
	fmt.Printf("        Velocity increment per fast detent (default %.2f)\n", encoder.DefaultVelocityIncFactor)
	fmt.Println()
	fmt.Println("  -vel-dec-factor float")
	fmt.Printf("        Velocity decrement per decay call (default %.2f)\n", encoder.DefaultVelocityDecFactor)
	fmt.Println()
	fmt.Println("  -vel-action-ms int")
	fmt.Printf("        Window in ms within which consecutive detents count as fast (default %d)\n", encoder.DefaultVelocityActionMS)
	fmt.Println()
	fmt.Println("  -vel-decay-hz int")
	fmt.Printf("        Velocity decay tick frequency in Hz (default %d)\n", defaultDecayHz)
	fmt.Println()
	fmt.Println("  -listen string")
	fmt.Printf("        State WebSocket HTTP listen address (default %q)\n", defaultListenAddr)
	fmt.Println()
	fmt.Println("  -ws-path string")
	fmt.Printf("        State WebSocket HTTP path (default %q)\n", defaultWSPath)
	fmt.Println()
	fmt.Println("  -ipc-socket string")
	fmt.Printf("        Unix domain socket path for IPC (default %q)\n", defaultIPCSocket)
	fmt.Println()
	fmt.Println("  -log-level string")
	fmt.Println("        Log level: error, warn, info, debug (default \"info\")")
	fmt.Println()
	fmt.Println("  -version")
	fmt.Println("        Print version and exit")
	fmt.Println()
	fmt.Println("  -help")
	fmt.Println("        Print this help message")
	fmt.Println()
	fmt.Println("SUBCOMMANDS:")
	fmt.Println("  send")
	fmt.Println("        Send a runtime action to a running daemon over IPC")
	fmt.Println("        Options: -ipc-socket, -set-sensitivity, -reset-steps,")
	fmt.Println("                 -vel-inc-factor, -vel-dec-factor, -vel-action-ms")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Start daemon with default wiring (DT=17, CLK=27 on gpiochip0)")
	fmt.Println("  knobd")
	fmt.Println()
	fmt.Println("  # Custom wiring and coarse detents")
	fmt.Println("  knobd -gpio-line-dt 5 -gpio-line-clk 6 -sensitivity low")
	fmt.Println()
	fmt.Println("  # Load a config file, override the listen address")
	fmt.Println("  knobd -config /etc/knobd.yaml -listen :8080")
	fmt.Println()
	fmt.Println("  # Change sensitivity of a running daemon")
	fmt.Println("  knobd send -set-sensitivity low")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - Requires access to the GPIO character device (run as root or add")
	fmt.Println("    user to the 'gpio' group)")
	fmt.Println("  - Both encoder pins are requested with pull-up bias by default; use")
	fmt.Println("    -gpio-pull-up=false (or gpio.pull_up: false in the config file) for")
	fmt.Println("    externally biased wiring")
	fmt.Println()
}

func main() {
	// Check for subcommand mode first
	if len(os.Args) > 1 && os.Args[1] == "send" {
		runSendSubcommand()
		return
	}

	// Check for version/help flags early
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
		if arg == "-help" || arg == "--help" || arg == "-h" {
			printUsage()
			return
		}
	}

	// Parse command-line flags
	var (
		configPath  = flag.String("config", "", "Path to YAML configuration file")
		gpioChip    = flag.String("gpio-chip", defaultGPIOChip, "GPIO character device")
		gpioLineDT  = flag.Uint("gpio-line-dt", defaultLineDT, "Line offset of the encoder DT pin")
		gpioLineCLK = flag.Uint("gpio-line-clk", defaultLineCLK, "Line offset of the encoder CLK pin")
		gpioPullUp  = flag.Bool("gpio-pull-up", true, "Enable the internal pull-up bias on both lines")
		sensitivity = flag.String("sensitivity", "default", "Detent sensitivity: default|low")

		velIncFactor = flag.Float64("vel-inc-factor", encoder.DefaultVelocityIncFactor, "Velocity increment per fast detent")
		velDecFactor = flag.Float64("vel-dec-factor", encoder.DefaultVelocityDecFactor, "Velocity decrement per decay call")
		velActionMS  = flag.Int("vel-action-ms", encoder.DefaultVelocityActionMS, "Fast-detent window in milliseconds")
		velDecayHz   = flag.Int("vel-decay-hz", defaultDecayHz, "Velocity decay tick frequency in Hz")

		listenAddr    = flag.String("listen", defaultListenAddr, "State WebSocket HTTP listen address")
		wsPath        = flag.String("ws-path", defaultWSPath, "State WebSocket HTTP path")
		ipcSocketPath = flag.String("ipc-socket", defaultIPCSocket, "Unix domain socket path for IPC")
		logLevelStr   = flag.String("log-level", "info", "Log level: error, warn, info, debug")

		showVersion = flag.Bool("version", false, "Print version and exit")
		showHelp    = flag.Bool("help", false, "Print help message")
	)

	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}
	if *showVersion {
		printVersion()
		return
	}

	// Build the effective configuration: defaults, then file, then flags
	// that were set explicitly on the command line.
	cfg := DefaultConfig()
	if *configPath != "" {
		fileCfg, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = fileCfg
	}

	var overrides FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "gpio-chip":
			overrides.GPIOChip = gpioChip
		case "gpio-line-dt":
			overrides.GPIOLineDT = gpioLineDT
		case "gpio-line-clk":
			overrides.GPIOLineCLK = gpioLineCLK
		case "gpio-pull-up":
			overrides.GPIOPullUp = gpioPullUp
		case "sensitivity":
			overrides.Sensitivity = sensitivity
		case "vel-inc-factor":
			overrides.VelIncFactor = velIncFactor
		case "vel-dec-factor":
			overrides.VelDecFactor = velDecFactor
		case "vel-action-ms":
			overrides.VelActionMS = velActionMS
		case "vel-decay-hz":
			overrides.VelDecayHz = velDecayHz
		case "listen":
			overrides.ListenAddr = listenAddr
		case "ws-path":
			overrides.WSPath = wsPath
		case "ipc-socket":
			overrides.IPCSocketPath = ipcSocketPath
		case "log-level":
			overrides.LogLevel = logLevelStr
		}
	})
	overrides.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logLevel, err := parseLogLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
	logger := newLogger(os.Stdout, logLevel)

	// Open the GPIO chip and request both encoder lines with edge detection.
	chip, err := gpio.OpenChip(cfg.GPIO.Chip)
	if err != nil {
		logger.Error("failed to open gpio chip", "chip", cfg.GPIO.Chip, "error", err,
			"tip", "run as root or add user to 'gpio' group")
		os.Exit(1)
	}
	defer chip.Close()

	lineOpts := gpio.LineOptions{Consumer: cfg.GPIO.Consumer, PullUp: cfg.GPIO.PullUp}

	lineDT, err := chip.RequestLine(cfg.GPIO.LineDT, lineOpts)
	if err != nil {
		logger.Error("failed to request DT line", "offset", cfg.GPIO.LineDT, "error", err)
		os.Exit(1)
	}
	defer lineDT.Close()

	lineCLK, err := chip.RequestLine(cfg.GPIO.LineCLK, lineOpts)
	if err != nil {
		logger.Error("failed to request CLK line", "offset", cfg.GPIO.LineCLK, "error", err)
		os.Exit(1)
	}
	defer lineCLK.Close()

	// Build the tracker. Validate already vetted the sensitivity string.
	sens, err := parseSensitivity(cfg.Encoder.Sensitivity)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	tracker := encoder.NewTracker(lineDT, lineCLK)
	tracker.SetSensitivity(sens)
	tracker.SetVelocityIncFactor(cfg.Velocity.IncFactor)
	tracker.SetVelocityDecFactor(cfg.Velocity.DecFactor)
	tracker.SetVelocityActionMS(uint64(cfg.Velocity.ActionMS))

	// Shutdown on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Edge watcher feeds the daemon loop.
	edges := make(chan gpio.Event, 64)
	readErr := make(chan error, 1)
	go gpio.Watch(ctx, []*gpio.Line{lineDT, lineCLK}, edges, readErr)

	// Action channel - central command bus for IPC and the WS server.
	actions := make(chan Action, 64)

	wsServer := NewServer(logger, actions, ServerConfig{})
	mux := http.NewServeMux()
	wsServer.Register(mux, cfg.State.WSPath)

	httpServer := &http.Server{
		Addr:              cfg.State.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	d := newDaemon(tracker, cfg.Encoder.Sensitivity, logger)

	logger.Debug("starting knobd", "version", version)
	logger.Info("listening",
		"gpio_chip", cfg.GPIO.Chip,
		"line_dt", cfg.GPIO.LineDT,
		"line_clk", cfg.GPIO.LineCLK,
		"sensitivity", cfg.Encoder.Sensitivity,
		"decay_hz", cfg.Velocity.DecayHz,
		"state_ws", cfg.State.ListenAddr+cfg.State.WSPath,
		"ipc", cfg.IPC.SocketPath)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		wsServer.Hub().Run(gctx)
		return nil
	})

	g.Go(func() error {
		return runIPCServer(gctx, cfg.IPC.SocketPath, actions, logger)
	})

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("state ws server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return d.run(gctx, edges, readErr, actions, cfg.Velocity.DecayHz, wsServer.Hub())
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("shutting down")
}

func printSendUsage() {
	fmt.Printf("knobd send v%s\n", version)
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  knobd send [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Send a runtime action to a running knobd daemon over its Unix")
	fmt.Println("  domain socket. Exactly one of the action options must be given;")
	fmt.Println("  velocity tuning options may be combined with each other.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	fmt.Println("  -ipc-socket string")
	fmt.Printf("        Unix domain socket path for IPC (default %q)\n", defaultIPCSocket)
	fmt.Println()
	fmt.Println("  -set-sensitivity string")
	fmt.Println("        Change detent sensitivity: default|low")
	fmt.Println()
	fmt.Println("  -reset-steps")
	fmt.Println("        Zero the daemon's net step counter")
	fmt.Println()
	fmt.Println("  -vel-inc-factor float")
	fmt.Println("        Change velocity increment per fast detent (0 = leave unchanged)")
	fmt.Println()
	fmt.Println("  -vel-dec-factor float")
	fmt.Println("        Change velocity decrement per decay call (0 = leave unchanged)")
	fmt.Println()
	fmt.Println("  -vel-action-ms uint")
	fmt.Println("        Change the fast-detent window in ms (0 = leave unchanged)")
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  knobd send -set-sensitivity low")
	fmt.Println("  knobd send -reset-steps")
	fmt.Println("  knobd send -vel-inc-factor 0.3 -vel-action-ms 40")
	fmt.Println()
}

// runSendSubcommand handles the `send` IPC client subcommand
func runSendSubcommand() {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	ipcSocketPath := fs.String("ipc-socket", defaultIPCSocket, "Unix domain socket path for IPC")
	setSensitivity := fs.String("set-sensitivity", "", "Change detent sensitivity: default|low")
	resetSteps := fs.Bool("reset-steps", false, "Zero the daemon's net step counter")
	velIncFactor := fs.Float64("vel-inc-factor", 0, "Change velocity increment per fast detent")
	velDecFactor := fs.Float64("vel-dec-factor", 0, "Change velocity decrement per decay call")
	velActionMS := fs.Uint64("vel-action-ms", 0, "Change the fast-detent window in ms")
	showHelp := fs.Bool("help", false, "Print help message")

	fs.Usage = printSendUsage

	// Parse flags (skip the "send" subcommand name)
	fs.Parse(os.Args[2:])

	if *showHelp {
		printSendUsage()
		return
	}

	var actionsToSend []Action

	if *setSensitivity != "" {
		if _, err := parseSensitivity(*setSensitivity); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		actionsToSend = append(actionsToSend, SetSensitivity{Level: *setSensitivity})
	}
	if *resetSteps {
		actionsToSend = append(actionsToSend, ResetSteps{})
	}
	if *velIncFactor != 0 || *velDecFactor != 0 || *velActionMS != 0 {
		actionsToSend = append(actionsToSend, SetVelocityTuning{
			IncFactor: *velIncFactor,
			DecFactor: *velDecFactor,
			ActionMS:  *velActionMS,
		})
	}

	if len(actionsToSend) == 0 {
		fmt.Fprintln(os.Stderr, "error: no action given (see knobd send -help)")
		os.Exit(1)
	}

	for _, a := range actionsToSend {
		if err := SendIPCAction(*ipcSocketPath, a); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	}
}
