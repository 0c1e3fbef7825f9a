package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	cl "stardust/internal/cli"
	"stardust/internal/config"
	"stardust/internal/mission"
	"stardust/internal/syncq"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	cfg := config.LoadCLIFromEnv()
	var apiFlag string

	root := &cobra.Command{
		Use:          "stardustctl",
		Short:        "Operator tool for the Stardust mission engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&apiFlag, "api", "", "API base URL (overrides saved session and STARDUST_API_BASE_URL)")

	sess := func() cl.Session { return resolveSession(cfg, apiFlag) }

	root.AddCommand(
		newLoginCmd(sess),
		newLogoutCmd(),
		newPlayersCmd(sess),
		newSendCmd(sess),
		newSweepCmd(sess),
		newSignupCmd(sess),
		newOutboxCmd(sess),
		newPreviewCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// resolveSession layers the --api flag over environment values over the saved session.
func resolveSession(cfg config.CLIConfig, apiFlag string) cl.Session {
	saved, _ := cl.LoadSession()
	env := cl.Session{AdminPassword: cfg.AdminPassword, CronSecret: cfg.CronSecret}
	if strings.TrimSpace(os.Getenv("STARDUST_API_BASE_URL")) != "" {
		env.APIBaseURL = cfg.APIBaseURL
	}
	s := env.Merge(saved).Merge(cl.Session{APIBaseURL: cfg.APIBaseURL})
	if strings.TrimSpace(apiFlag) != "" {
		s.APIBaseURL = strings.TrimSpace(apiFlag)
	}
	return s
}

func newClient(s cl.Session) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(s.APIBaseURL), "/"))
}

func requireAdmin(s cl.Session) error {
	if s.AdminPassword == "" {
		return fmt.Errorf("admin password required: run `stardustctl login` or set ADMIN_PASSWORD")
	}
	return nil
}

func newLoginCmd(sess func() cl.Session) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Save API URL and operator secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			current := sess()
			base, err := promptOptional(fmt.Sprintf("API base URL [%s]", current.APIBaseURL))
			if err != nil {
				return err
			}
			if base == "" {
				base = current.APIBaseURL
			}
			password, err := promptRequired("Admin password")
			if err != nil {
				return err
			}
			cron, err := promptOptional("Cron secret (optional)")
			if err != nil {
				return err
			}
			next := cl.Session{APIBaseURL: base, AdminPassword: password, CronSecret: cron}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if _, err := newClient(next).ListPlayers(ctx, next.Credentials()); err != nil {
				return fmt.Errorf("credentials not accepted: %w", err)
			}
			if err := cl.SaveSession(next); err != nil {
				return err
			}
			printSuccess("Login saved.")
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved session",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearSession(); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

func newPlayersCmd(sess func() cl.Session) *cobra.Command {
	var pathFilter string
	cmd := &cobra.Command{
		Use:   "players",
		Short: "List players with their mission progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := sess()
			if err := requireAdmin(s); err != nil {
				return err
			}
			filter, err := mission.ParsePath(pathFilter)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			rows, err := newClient(s).ListPlayers(ctx, s.Credentials())
			if err != nil {
				return err
			}
			renderPlayers(filterPlayers(rows, filter))
			return nil
		},
	}
	cmd.Flags().StringVar(&pathFilter, "path", "", "only show players on this path (clarity, chaos, unknown)")
	return cmd
}

func newSendCmd(sess func() cl.Session) *cobra.Command {
	var noQueue bool
	cmd := &cobra.Command{
		Use:   "send <player-id> <mission>",
		Short: "Send a mission to a player now",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := sess()
			if err := requireAdmin(s); err != nil {
				return err
			}
			playerID := strings.TrimSpace(args[0])
			n, err := strconv.Atoi(args[1])
			if err != nil || !mission.ValidNumber(n) {
				return fmt.Errorf("mission must be a number between 1 and %d", mission.TotalMissions)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			res, err := newClient(s).TriggerMission(ctx, s.Credentials(), playerID, n)
			if err != nil {
				if noQueue || !cl.Retryable(err) {
					return err
				}
				if qerr := syncq.Push(cl.TriggerCommand(uuid.NewString(), playerID, n)); qerr != nil {
					return fmt.Errorf("%v (and queueing failed: %w)", err, qerr)
				}
				printWarn(fmt.Sprintf("Send failed (%v). Queued; run `stardustctl outbox replay` later.", err))
				return nil
			}
			renderDispatch(playerID, n, res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&noQueue, "no-queue", false, "do not queue the send when the API is unreachable")
	return cmd
}

func newSweepCmd(sess func() cl.Session) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run the scheduled mission sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := sess()
			if s.CronSecret == "" {
				return fmt.Errorf("cron secret required: run `stardustctl login` or set CRON_SECRET")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			res, err := newClient(s).ProcessMissions(ctx, s.Credentials())
			if err != nil {
				return err
			}
			renderSweep(res)
			return nil
		},
	}
}

func newSignupCmd(sess func() cl.Session) *cobra.Command {
	return &cobra.Command{
		Use:   "signup [email]",
		Short: "Sign an address up as a player (sends mission 1)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var email string
			if len(args) == 1 {
				email = strings.TrimSpace(args[0])
			} else {
				var err error
				if email, err = promptRequired("Email"); err != nil {
					return err
				}
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := newClient(sess()).Signup(ctx, email); err != nil {
				return err
			}
			printSuccess("Signed up " + email + ".")
			return nil
		},
	}
}

func newOutboxCmd(sess func() cl.Session) *cobra.Command {
	outbox := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect or replay queued sends",
	}
	outbox.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show queued sends",
		RunE: func(cmd *cobra.Command, args []string) error {
			queue, err := syncq.Load()
			if err != nil {
				return err
			}
			renderOutbox(queue)
			return nil
		},
	})
	outbox.AddCommand(&cobra.Command{
		Use:   "replay",
		Short: "Replay queued sends against the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := sess()
			if err := requireAdmin(s); err != nil {
				return err
			}
			client := newClient(s)
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			res, err := syncq.Replay(func(c syncq.Command) error {
				return client.Replay(ctx, s.Credentials(), c)
			}, cl.Retryable)
			for _, d := range res.Dropped {
				printError(fmt.Sprintf("Dropped %s %s: %s", d.Method, d.Path, d.LastErr))
			}
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Replay complete: replayed=%d remaining=%d dropped=%d", res.Replayed, len(res.Remaining), len(res.Dropped)))
			return nil
		},
	})
	return outbox
}

func newPreviewCmd() *cobra.Command {
	var (
		pathFlag string
		question string
		outFile  string
	)
	cmd := &cobra.Command{
		Use:   "preview <mission>",
		Short: "Render a mission email locally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("mission must be a number: %w", err)
			}
			path, err := mission.ParsePath(pathFlag)
			if err != nil {
				return err
			}
			email, err := mission.Resolve(n, path.OrUnknown(), mission.Params{PairedQuestion: question})
			if err != nil {
				return err
			}
			accent.Printf("Mission %d (%s)\n", n, path.OrUnknown())
			fmt.Printf("Subject: %s\n", email.Subject)
			if outFile == "" {
				printInfo(fmt.Sprintf("HTML body: %d bytes (use --out to write it)", len(email.HTML)))
				return nil
			}
			if err := os.WriteFile(outFile, []byte(email.HTML), 0o644); err != nil {
				return err
			}
			printSuccess("Wrote " + outFile)
			return nil
		},
	}
	cmd.Flags().StringVar(&pathFlag, "path", "", "path for branched missions (clarity, chaos, unknown)")
	cmd.Flags().StringVar(&question, "question", "", "paired question to show in mission 7")
	cmd.Flags().StringVar(&outFile, "out", "", "write the HTML body to this file")
	return cmd
}
