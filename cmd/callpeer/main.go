// Command callpeer is a headless call participant. It joins a room through
// the shared store, speaks silence or an Ogg/Opus file and optionally
// records what it hears.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mossy-p/voice-call/config"
	"github.com/mossy-p/voice-call/internal/backend"
	"github.com/mossy-p/voice-call/internal/call"
	"github.com/mossy-p/voice-call/internal/callstate"
	"github.com/mossy-p/voice-call/internal/logger"
	"github.com/mossy-p/voice-call/internal/media"
	"github.com/mossy-p/voice-call/internal/peer"
	"github.com/mossy-p/voice-call/internal/ui"
)

type peerFlags struct {
	RoomID   string
	UserID   string
	Username string
	Muted    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := peerFlags{}

	cmd := &cobra.Command{
		Use:   "callpeer",
		Short: "Joins a voice call room as a headless participant",
		Long: `callpeer enrolls in a room through the configured store, builds the
peer mesh with every other active participant and reads commands from
stdin: m (toggle mute), min/max (minimize or expand the call bar),
drag DX DY (move the call bar), who (roster), q (leave and quit).`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), flags)
		},
	}

	cmd.Flags().StringVar(&flags.RoomID, "room", "", "room to join (required)")
	cmd.Flags().StringVar(&flags.UserID, "user", "", "user id, a random one when empty")
	cmd.Flags().StringVar(&flags.Username, "name", "", "display name, the user id when empty")
	cmd.Flags().BoolVar(&flags.Muted, "muted", false, "mute the microphone right after joining")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

func run(parent context.Context, flags peerFlags) error {
	cfg, err := config.Load()
	if err != nil {
		logger.L().Error("load config", "err", err)
		return err
	}

	log := logger.Init(logger.Config{
		Service:   "callpeer",
		Version:   cfg.Logging.Version,
		Env:       cfg.Environment,
		Backend:   logger.Backend(cfg.Logging.Backend),
		Debug:     cfg.Logging.Debug,
		AddSource: cfg.Logging.AddSource,
		Output:    os.Stderr,
	})

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Store.Backend == config.BackendMemory {
		log.Warn("memory store is private to this process; other participants will not see it")
	}
	st, err := backend.Open(ctx, cfg, log)
	if err != nil {
		log.Error("open store", "backend", cfg.Store.Backend, "err", err)
		return err
	}
	defer st.Close()

	factory, err := peer.NewFactory(cfg.Call.ICEServers)
	if err != nil {
		return fmt.Errorf("peer factory: %w", err)
	}

	var sink peer.Sink = peer.DiscardSink{}
	if cfg.Call.RecordingsDir != "" {
		sink = peer.OggSink{Dir: cfg.Call.RecordingsDir}
	}

	if flags.UserID == "" {
		flags.UserID = uuid.NewString()
	}
	if flags.Username == "" {
		flags.Username = flags.UserID
	}

	global := callstate.New()
	ctl, err := call.New(call.Options{
		RoomID:          flags.RoomID,
		User:            call.User{ID: flags.UserID, Username: flags.Username},
		Store:           st,
		Devices:         &media.Source{Mode: cfg.Media.Mode, File: cfg.Media.File, Log: log},
		Factory:         factory,
		Sink:            sink,
		Global:          global,
		MaxParticipants: cfg.Call.MaxParticipants,
		LeaveTimeout:    cfg.Call.LeaveTimeout,
		Log:             log,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := ctl.Close(); err != nil {
			log.Warn("close call", "err", err)
		}
	}()

	bar := ui.NewCallBar(global, func(v ui.View) {
		if v.Visible {
			fmt.Fprintf(os.Stdout, "[bar] %s\n", v.Status)
		} else {
			fmt.Fprintln(os.Stdout, "[bar] hidden")
		}
	})
	defer bar.Close()

	restored, err := ctl.Restore(ctx)
	if err != nil {
		log.Warn("restore call", "err", err)
	}
	if !restored {
		if err := ctl.Join(ctx); err != nil {
			log.Error("join call", "room", flags.RoomID, "err", err)
			return err
		}
	}
	if flags.Muted && !ctl.Snapshot().Muted {
		if _, err := ctl.ToggleMute(ctx); err != nil {
			log.Warn("mute", "err", err)
		}
	}
	log.Info("in call", "room", flags.RoomID, "restored", restored)

	c := newConsole(ctl, bar, os.Stdout)
	return c.Run(ctx, os.Stdin)
}
