package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "samprobe",
		Short: "Replay audio turns against the voice turn service",
		Long: `samprobe opens a device session, streams microphone audio over the session
websocket and waits for each turn to end.

Audio comes from a 16-bit PCM WAV file, or a generated tone when no file is given.

Examples:
  # Three turns of a generated tone against a local server
  samprobe run --turns 3

  # Replay a recording and keep the assistant's synthesized audio
  samprobe run --wav question.wav --dump-wav reply.wav`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	run := newRunCmd()
	root.AddCommand(run)
	// "samprobe" alone behaves like "samprobe run".
	root.RunE = run.RunE
	root.Flags().AddFlagSet(run.Flags())
	return root
}

func newRunCmd() *cobra.Command {
	opts := options{out: os.Stdout}
	var turnTimeout, startDelay time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run probe turns and print outcomes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.out = cmd.OutOrStdout()
			opts.turnTimeout = turnTimeout
			opts.startDelay = startDelay
			if err := opts.validate(); err != nil {
				return err
			}
			results, err := runProbe(cmd.Context(), opts)
			printSummary(opts.out, results)
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.baseURL, "base-url", envOr("SAMPROBE_BASE_URL", "http://127.0.0.1:8080"), "service base URL")
	f.StringVar(&opts.deviceID, "device-id", "samprobe", "device_id for the probe session")
	f.StringVar(&opts.locale, "locale", "", "recognition locale for the session (server default when empty)")
	f.IntVar(&opts.turns, "turns", 1, "number of turns to run")
	f.IntVar(&opts.chunkMS, "chunk-ms", 40, "audio chunk size in milliseconds")
	f.Float64Var(&opts.realtime, "realtime", 1.0, "pacing multiplier (1.0=realtime, 2.0=twice as fast)")
	f.StringVar(&opts.wavPath, "wav", "", "16-bit PCM WAV file to stream (default: generated tone)")
	f.IntVar(&opts.toneMS, "tone-ms", 800, "generated tone length in milliseconds")
	f.StringVar(&opts.dumpWAV, "dump-wav", "", "write the assistant audio of the last turn to this WAV file")
	f.DurationVar(&turnTimeout, "turn-timeout", 15*time.Second, "maximum wait for turn_end per turn")
	f.DurationVar(&startDelay, "start-delay", 0, "pause after connecting before the first turn")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "print every server message")
	return cmd
}

func (o *options) validate() error {
	o.baseURL = strings.TrimRight(strings.TrimSpace(o.baseURL), "/")
	if o.baseURL == "" {
		return fmt.Errorf("base-url is required")
	}
	if o.turns <= 0 {
		return fmt.Errorf("turns must be > 0")
	}
	if o.chunkMS < 10 || o.chunkMS > 2000 {
		return fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if o.realtime <= 0 {
		return fmt.Errorf("realtime must be > 0")
	}
	if o.wavPath == "" && o.toneMS <= 0 {
		return fmt.Errorf("tone-ms must be > 0 without --wav")
	}
	if o.turnTimeout < time.Second {
		o.turnTimeout = time.Second
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
