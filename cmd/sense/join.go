package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sukesh-kandasamy/sense/internal/analysis"
	"github.com/sukesh-kandasamy/sense/internal/api"
	"github.com/sukesh-kandasamy/sense/internal/config"
	"github.com/sukesh-kandasamy/sense/internal/domain"
	"github.com/sukesh-kandasamy/sense/internal/logging"
	"github.com/sukesh-kandasamy/sense/internal/media"
	"github.com/sukesh-kandasamy/sense/internal/session"
	sigclient "github.com/sukesh-kandasamy/sense/internal/signal"
	"github.com/sukesh-kandasamy/sense/internal/tui"
	"github.com/sukesh-kandasamy/sense/internal/webrtc"
)

type joinOptions struct {
	role      string
	name      string
	device    string
	remoteOut string
	driver    string
	logFile   string
	plain     bool
	autoJoin  bool
	noRecord  bool
}

func NewJoinCmd(deps *Dependencies) *cobra.Command {
	var opts joinOptions

	cmd := &cobra.Command{
		Use:   "join <room>",
		Short: "Join an interview room",
		Long: `Join an interview room. The terminal UI shows the session state, the
clock and, for interviewers, live insights. Keys: j join, m mic, v camera,
d next camera, e end call, q leave.

With --plain, status lines go to stdout and the session joins right away;
the first Ctrl+C ends the call, a second one aborts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd.Context(), deps.Config, args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.role, "role", "r", "", "interviewer or candidate (required)")
	cmd.Flags().StringVarP(&opts.name, "name", "n", "", "display name sent to the peer (default: profile name)")
	cmd.Flags().StringVarP(&opts.device, "device", "d", "", "camera id, see 'sense devices'")
	cmd.Flags().StringVar(&opts.remoteOut, "remote-out", "", "directory receiving the peer's audio and video")
	cmd.Flags().StringVar(&opts.driver, "driver", "", "capture driver: ffmpeg or synthetic (overrides config)")
	cmd.Flags().StringVar(&opts.logFile, "log-file", "", "write logs here while the UI owns the terminal")
	cmd.Flags().BoolVar(&opts.plain, "plain", false, "no UI; print status lines")
	cmd.Flags().BoolVar(&opts.autoJoin, "auto-join", false, "join as soon as the lobby is ready")
	cmd.Flags().BoolVar(&opts.noRecord, "no-record", false, "do not record the candidate side")
	_ = cmd.MarkFlagRequired("role")

	return cmd
}

func newAcquirer(cfg *config.Config, override string) (*media.Acquirer, error) {
	driver := cfg.Driver
	if override != "" {
		driver = override
	}
	switch driver {
	case "ffmpeg":
		d := media.NewFFmpegDriver(cfg.FFmpeg)
		if err := d.CheckFFmpeg(); err != nil {
			return nil, err
		}
		return media.NewAcquirer(d), nil
	case "synthetic":
		return media.NewAcquirer(media.NewSyntheticDriver(cfg.VideoFile)), nil
	default:
		return nil, fmt.Errorf("unknown capture driver %q", driver)
	}
}

func newBackend(cfg *config.Config) *api.Client {
	return api.NewClient(cfg.APIURL, cfg.SessionCookie, cfg.SessionToken, cfg.RequestTimeout)
}

func runJoin(ctx context.Context, cfg *config.Config, room string, opts joinOptions) error {
	role, err := domain.ParseRole(opts.role)
	if err != nil {
		return err
	}
	acq, err := newAcquirer(cfg, opts.driver)
	if err != nil {
		return err
	}

	deps := session.Deps{
		Backend: newBackend(cfg),
		Signal:  sigclient.NewDialer(cfg.SignalURL, cfg.SessionCookie, cfg.SessionToken, cfg.PingPeriod),
		Media:   acq,
		NewPeer: session.PionPeers(cfg.ICEServers, webrtc.Options{RemoteOut: opts.remoteOut}),
		Analysis: session.AnalysisService(analysis.Config{
			BaseURL:      cfg.AnalysisURL,
			CookieName:   cfg.SessionCookie,
			Token:        cfg.SessionToken,
			Interval:     cfg.AnalysisInterval,
			PingInterval: cfg.InsightPingInterval,
		}),
	}
	if !opts.noRecord {
		deps.Record = session.WebMRecorder(cfg.ChunkInterval)
	}

	ctrl := session.New(session.Config{
		Room:            room,
		Role:            role,
		Name:            opts.name,
		DeviceID:        opts.device,
		PollInterval:    cfg.PollInterval,
		PollMaxInterval: cfg.PollMaxInterval,
		RequestTimeout:  cfg.RequestTimeout,
		UploadTimeout:   cfg.UploadTimeout,
	}, deps)

	if opts.plain {
		return runPlain(ctx, ctrl)
	}

	devices, err := acq.ListVideoSources(ctx)
	if err != nil {
		log.Warn().Str("module", "main").Err(err).Msg("list cameras")
	}

	// the UI owns the terminal from here on
	if opts.logFile != "" {
		f, err := logging.ToFile(opts.logFile)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer f.Close()
	} else {
		logging.Discard()
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer stop()

	updates, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	errc := make(chan error, 1)
	go func() { errc <- ctrl.Run(ctx) }()
	if opts.autoJoin {
		ctrl.Join()
	}

	p := tea.NewProgram(tui.New(ctrl, updates, devices), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("ui: %w", err)
	}
	// quitting the UI leaves the session; Run returns once teardown is done
	ctrl.Leave()
	return sessionResult(<-errc)
}

// runPlain drives the session without a UI.
func runPlain(ctx context.Context, ctrl *session.Controller) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	updates, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()

	errc := make(chan error, 1)
	go func() { errc <- ctrl.Run(ctx) }()
	ctrl.Join()

	var last domain.Snapshot
	interrupts := 0
	for {
		select {
		case s := <-updates:
			if s.Status != last.Status || s.Warning != last.Warning {
				line := fmt.Sprintf("[%s] %s", s.State, s.Status)
				if s.Warning != domain.WarningNone {
					line += " (" + string(s.Warning) + ")"
				}
				fmt.Println(line)
			}
			last = s
		case <-sigCh:
			interrupts++
			if interrupts == 1 {
				fmt.Println("ending call, Ctrl+C again to abort")
				ctrl.EndCall()
				continue
			}
			cancel()
		case err := <-errc:
			if s := ctrl.Snapshot(); s.Err != nil {
				fmt.Println("error:", s.Err)
			}
			return sessionResult(err)
		}
	}
}

func sessionResult(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
