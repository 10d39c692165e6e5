// Command relayd supervises ffmpeg relay sessions and exposes them through a
// small HTTP control API.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"streamrelay/internal/api"
	"streamrelay/internal/config"
	"streamrelay/internal/job"
	"streamrelay/internal/launcher"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "relayd",
		Short:        "Supervise ffmpeg relay sessions",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "path to a YAML or JSON config file")
	root.AddCommand(newServeCommand(), newArgsCommand(), newHashTokenCommand(), newVersionCommand())
	return root
}

// loadConfig merges defaults, the --config file, RELAYD_* variables and the
// command's flags.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	v := config.New()
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		return config.Config{}, err
	}
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, path)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Resume stored sessions and serve the control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, cfg, cmd.OutOrStdout(), nil)
		},
	}
	flags := cmd.Flags()
	flags.String("data-dir", "", "directory for the session store, previews and event log")
	flags.String("addr", "", "control API listen address")
	flags.String("token", "", "bearer token or pbkdf2 token hash guarding /v1")
	flags.String("tls-cert", "", "TLS certificate file")
	flags.String("tls-key", "", "TLS private key file")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-format", "", "log format (json or text)")
	flags.String("event-log", "", `event log path, or "none" to disable`)
	flags.String("store", "", "session store driver (file, redis or postgres)")
	flags.String("ffmpeg", "", "ffmpeg binary")
	flags.String("profile", "", "encoding profile (default or low-latency)")
	flags.Duration("grace-period", 0, "time a relay gets to exit after SIGTERM")
	return cmd
}

func newArgsCommand() *cobra.Command {
	var spec job.Spec
	cmd := &cobra.Command{
		Use:   "args",
		Short: "Print the ffmpeg command a relay job would run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			spec.SessionID = job.NewID()
			spec = spec.Normalize()
			if err := spec.Validate(); err != nil {
				return err
			}
			l := launcher.New(launcher.Config{Binary: cfg.FFmpeg.Binary, Profile: cfg.FFmpeg.EncodingProfile()})
			argv := append([]string{l.Binary()}, l.Args(spec)...)
			_, err = fmt.Fprintln(cmd.OutOrStdout(), shellJoin(argv))
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&spec.Source, "source", "", "input URI or path")
	flags.StringVar(&spec.Destination, "destination", "", "rtmp://, rtmps:// or srt:// publish target")
	flags.StringVar(&spec.Decryption, "decryption", "", "keyid:key decryption material")
	flags.StringVar(&spec.Title, "title", "", "display title")
	flags.String("ffmpeg", "", "ffmpeg binary")
	flags.String("profile", "", "encoding profile (default or low-latency)")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("destination")
	return cmd
}

func newHashTokenCommand() *cobra.Command {
	var iterations int
	cmd := &cobra.Command{
		Use:   "hash-token [token]",
		Short: "Hash a control API token for use as http.token",
		Long:  "Hash a control API token. The token is read from the first line of stdin when not given as an argument.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token := ""
			if len(args) == 1 {
				token = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return fmt.Errorf("read token: %w", err)
				}
				token = strings.TrimRight(line, "\r\n")
			}
			hash, err := api.HashToken(token, iterations)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return err
		},
	}
	cmd.Flags().IntVar(&iterations, "iterations", api.DefaultTokenHashIterations, "pbkdf2 iteration count")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// shellJoin quotes arguments that a POSIX shell would split or expand.
func shellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		if arg != "" && !strings.ContainsAny(arg, " \t\n'\"\\$`&|;<>()*?[]{}~!#") {
			quoted[i] = arg
			continue
		}
		quoted[i] = "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
