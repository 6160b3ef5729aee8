package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/loykin/dosrun/internal/config"
	"github.com/loykin/dosrun/pkg/client"
)

func createStartCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start <game-id>",
		Short: "Launch a game",
		Long: `Launch a game in DOSBox through the daemon. A game can run only once
at a time; starting a running game fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			if err := c.Start(cmd.Context(), id); err != nil {
				if client.IsAlreadyRunning(err) {
					return fmt.Errorf("game %d is already running", id)
				}
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "started game %d\n", id)
			return nil
		},
	}
}

func createRunningCommand(flags *GlobalFlags) *cobra.Command {
	var resources bool
	cmd := &cobra.Command{
		Use:   "running",
		Short: "List running games",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if resources {
				us, err := c.Resources(cmd.Context())
				if err != nil {
					return err
				}
				if flags.JSON {
					printJSON(out, us)
					return nil
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "ID\tPID\tCPU%\tMEM(MB)\tTHREADS")
				for _, u := range us {
					_, _ = fmt.Fprintf(tw, "%d\t%d\t%.1f\t%.1f\t%d\n", u.GameID, u.PID, u.CPUPercent, u.MemoryMB, u.NumThreads)
				}
				return tw.Flush()
			}
			ids, err := c.Running(cmd.Context())
			if err != nil {
				return err
			}
			if flags.JSON {
				printJSON(out, ids)
				return nil
			}
			for _, id := range ids {
				_, _ = fmt.Fprintln(out, id)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&resources, "resources", false, "show sampled CPU and memory usage")
	return cmd
}

func createEventsCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Follow launcher events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			out := cmd.OutOrStdout()
			return c.Events(ctx, func(e client.Event) error {
				_, err := fmt.Fprintf(out, "%s %s\n", e.Type, e.Data)
				return err
			})
		},
	}
}

func createGamesCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "games",
		Short: "Manage the game catalog",
	}
	cmd.AddCommand(
		createGamesListCommand(flags),
		createGamesAddCommand(flags),
		createGamesEditCommand(flags),
		createGamesRemoveCommand(flags),
		createGamesConfigCommand(flags),
		createGamesGenConfigCommand(flags),
	)
	return cmd
}

func createGamesListCommand(flags *GlobalFlags) *cobra.Command {
	var search string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List games, optionally filtered by title",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			games, err := c.ListGames(cmd.Context(), search)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if flags.JSON {
				printJSON(out, games)
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tTITLE\tRUN TIME\tCONFIG")
			for _, g := range games {
				_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", g.ID, g.Title, formatRunTime(g.RunTime), g.ConfigPath)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&search, "search", "", "case-insensitive title filter")
	return cmd
}

func createGamesAddCommand(flags *GlobalFlags) *cobra.Command {
	var req client.GameRequest
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a game",
		Long: `Add a game to the catalog. Paths inside the install directory are
stored relative to it.

Examples:
  dosrun games add --title="Commander Keen" --config-path=games/keen/KEEN.conf`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			g, err := c.CreateGame(cmd.Context(), req)
			if err != nil {
				return err
			}
			if flags.JSON {
				printJSON(cmd.OutOrStdout(), g)
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "added game %d\n", g.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Title, "title", "", "game title (required)")
	cmd.Flags().StringVar(&req.ConfigPath, "config-path", "", "DOSBox config of the game (required)")
	if err := cmd.MarkFlagRequired("title"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("config-path"); err != nil {
		panic(err)
	}
	return cmd
}

func createGamesEditCommand(flags *GlobalFlags) *cobra.Command {
	var req client.GameRequest
	cmd := &cobra.Command{
		Use:   "edit <game-id>",
		Short: "Change a game's title or config; optionally reset its run time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			cur, err := findGame(cmd.Context(), c, id)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("title") {
				req.Title = cur.Title
			}
			if !cmd.Flags().Changed("config-path") {
				req.ConfigPath = cur.ConfigPath
			}
			return c.UpdateGame(cmd.Context(), id, req)
		},
	}
	cmd.Flags().StringVar(&req.Title, "title", "", "new title")
	cmd.Flags().StringVar(&req.ConfigPath, "config-path", "", "new DOSBox config path")
	cmd.Flags().BoolVar(&req.ResetRunTime, "reset-run-time", false, "set the recorded run time to zero")
	return cmd
}

func createGamesRemoveCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <game-id>...",
		Short: "Remove games from the catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			n, err := c.DeleteGames(cmd.Context(), ids)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "removed %d game(s)\n", n)
			return nil
		},
	}
}

func createGamesConfigCommand(flags *GlobalFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "config <game-id>",
		Short: "Print a game's DOSBox config, or replace it with --file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			if file != "" {
				b, err := os.ReadFile(file) // #nosec G304 -- user supplied on the command line
				if err != nil {
					return err
				}
				return c.WriteConfig(cmd.Context(), id, string(b))
			}
			text, err := c.ReadConfig(cmd.Context(), id)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "replace the config with this file's contents")
	return cmd
}

func createGamesGenConfigCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "gen-config <exe-path>",
		Short: "Write a starter DOSBox config next to a DOS executable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			res, err := c.GenerateConfig(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), res.Path)
			return nil
		},
	}
}

func createSettingsCommand(flags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change stored settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			settings, err := c.Settings(cmd.Context())
			if err != nil {
				return err
			}
			if flags.JSON {
				printJSON(cmd.OutOrStdout(), settings)
				return nil
			}
			for _, s := range settings {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", s.Key, s.Value)
			}
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Store a setting",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			return c.SetSetting(cmd.Context(), args[0], args[1])
		},
	})
	return cmd
}

func createDOSBoxCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "dosbox -- [args...]",
		Short: "Run DOSBox on the daemon host and print its output",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			out, err := c.RunDOSBox(cmd.Context(), args...)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprint(cmd.OutOrStdout(), out)
			return nil
		},
	}
}

func createConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}
	var output string
	gen := &cobra.Command{
		Use:   "gen",
		Short: "Print a commented sample config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if output == "" {
				_, _ = fmt.Fprint(cmd.OutOrStdout(), config.Sample)
				return nil
			}
			if _, err := os.Stat(output); err == nil {
				return fmt.Errorf("%s already exists", output)
			}
			return os.WriteFile(output, []byte(config.Sample), 0o600)
		},
	}
	gen.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	cmd.AddCommand(gen)
	return cmd
}

func findGame(ctx context.Context, c *client.Client, id int64) (client.Game, error) {
	games, err := c.ListGames(ctx, "")
	if err != nil {
		return client.Game{}, err
	}
	for _, g := range games {
		if g.ID == id {
			return g, nil
		}
	}
	return client.Game{}, fmt.Errorf("game %d not found", id)
}
