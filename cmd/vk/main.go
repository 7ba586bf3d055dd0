package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"versekeep/internal/app"
	"versekeep/internal/config"
	"versekeep/internal/db"
	"versekeep/internal/domain"
	"versekeep/internal/engine"
	"versekeep/internal/repo"
	"versekeep/internal/scheduler"
	"versekeep/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "vk",
	Short: "Versekeep CLI",
	Long: `Versekeep holds writers to the publishing contracts they declare.
Core concepts:
- Contract: a writer's commitment to one platform (Medium, Substack, Twitter, PersonalBlog) with a release cadence; pending -> active -> completed, or archived/broken when discipline fails.
- Poem: a submission under an active contract. It must be published before the platform deadline or it is archived.
- Compliance log: the append-only record of every enforcement decision, view with 'vk contract log'.
- Patterns: repeated lateness, frequent revision, missed cadence and repeated escalation, surfaced once until acknowledged.
- Scheduler: periodic deadline, release and finalization checks ('vk schedule run' or 'vk serve').`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("VERSEKEEP")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("writer", "", "writer id the command acts as")
	rootCmd.PersistentFlags().String("log-mode", "dev", "log mode (dev|prod)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level")
	rootCmd.PersistentFlags().String("redis-addr", "", "redis address for live notifications (overrides config)")
	for _, name := range []string{"workspace", "json", "writer", "log-mode", "log-level", "redis-addr"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(poemCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(patternCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(keyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func contractCmd() *cobra.Command {
	c := &cobra.Command{Use: "contract", Short: "Declare and inspect platform contracts"}
	c.AddCommand(contractDeclareCmd())
	c.AddCommand(contractInitCmd())
	c.AddCommand(contractStatusCmd())
	c.AddCommand(contractListCmd())
	c.AddCommand(contractLogCmd())
	return c
}

func contractDeclareCmd() *cobra.Command {
	var platform, timezone, start string
	cmd := &cobra.Command{
		Use:   "declare",
		Short: "Declare a platform contract",
		RunE: func(cmd *cobra.Command, args []string) error {
			writer, err := requireWriter()
			if err != nil {
				return err
			}
			startDate, err := parseStartDate(start, timezone)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.DeclarePlatform(ctx, engine.DeclareOptions{
					WriterID:  writer,
					Platform:  platform,
					Timezone:  timezone,
					StartDate: startDate,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("Declared %s contract %s (%s), run 'vk contract init %s' to activate\n", c.Platform, c.ID, c.Status, c.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&platform, "platform", "", "Medium, Substack, Twitter or PersonalBlog")
	cmd.Flags().StringVar(&timezone, "timezone", "UTC", "IANA timezone for deadlines and cadence")
	cmd.Flags().StringVar(&start, "start", "", "start date (YYYY-MM-DD or RFC3339), defaults to now")
	_ = cmd.MarkFlagRequired("platform")
	return cmd
}

func contractInitCmd() *cobra.Command {
	var period, window string
	var releases, term int
	cmd := &cobra.Command{
		Use:   "init <contract-id>",
		Short: "Attach cadence rules and activate a contract",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules := domain.Cadence{
				Period:            domain.Period(period),
				ReleasesPerPeriod: releases,
				TermPeriods:       term,
			}
			if window != "" {
				d, err := time.ParseDuration(window)
				if err != nil {
					return fmt.Errorf("--window: %w", err)
				}
				rules.SubmissionWindow = d
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := scoped(e).InitContract(ctx, args[0], rules)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(c)
				}
				fmt.Printf("Contract %s is %s: %s, first release due %s\n", c.ID, c.Status, c.Cadence, formatTime(c.ReleaseDueAt, c.Location()))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&period, "period", "", "monthly or weekly (defaults to config)")
	cmd.Flags().IntVar(&releases, "releases", 0, "releases required per period (defaults to config)")
	cmd.Flags().IntVar(&term, "term", 0, "number of periods in the term (defaults to config)")
	cmd.Flags().StringVar(&window, "window", "", "submission window override, e.g. 72h")
	return cmd
}

func contractStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <contract-id>",
		Short: "Show contract status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := scoped(e).Status(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(view)
				}
				c := view.Contract
				loc := c.Location()
				fmt.Printf("Contract: %s (%s on %s)\n", c.ID, c.Status, c.Platform)
				if c.Cadence.Period != "" {
					fmt.Printf("Cadence: %s\n", c.Cadence)
					fmt.Printf("Period: %d, next release due %s\n", view.CurrentPeriod, formatTime(c.ReleaseDueAt, loc))
				}
				fmt.Printf("Open submissions: %d, published: %d, archived: %d\n", view.OpenSubmissions, view.PublishedCount, view.ArchivedCount)
				fmt.Printf("Open patterns: %d\n", view.OpenPatternCount)
				printPoems(view.Poems, loc)
				return nil
			})
		},
	}
	return cmd
}

func contractListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var statuses []domain.ContractStatus
				if status != "" {
					statuses = append(statuses, domain.ContractStatus(status))
				}
				items, err := scoped(e).ListContracts(ctx, viper.GetString("writer"), statuses...)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Writer", "Platform", "Status", "Cadence", "Timezone"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.WriterID, c.Platform, c.Status, c.Cadence, c.Timezone})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func contractLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log <contract-id>",
		Short: "Show the compliance log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := scoped(e).ComplianceLog(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Occurred", "Action", "Subject", "Detail"})
				for _, entry := range entries {
					detail, _ := json.Marshal(entry.Detail)
					tw.AppendRow(table.Row{entry.Seq, entry.OccurredAt.UTC().Format(time.RFC3339), entry.Action, entry.SubjectID, string(detail)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func poemCmd() *cobra.Command {
	p := &cobra.Command{Use: "poem", Short: "Submit, revise and publish poems"}
	p.AddCommand(poemSubmitCmd())
	p.AddCommand(poemReviseCmd())
	p.AddCommand(poemPublishCmd())
	p.AddCommand(poemRecordCmd())
	p.AddCommand(poemReflectCmd())
	p.AddCommand(poemShowCmd())
	p.AddCommand(poemListCmd())
	return p
}

func poemSubmitCmd() *cobra.Command {
	var title, body, file string
	cmd := &cobra.Command{
		Use:   "submit <contract-id>",
		Short: "Submit a poem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readBody(body, file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := scoped(e).SubmitPoem(ctx, engine.SubmitOptions{ContractID: args[0], Title: title, Body: text})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Submitted poem %s, publish before %s\n", p.ID, p.DeadlineAt.UTC().Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "poem title")
	cmd.Flags().StringVar(&body, "body", "", "poem text")
	cmd.Flags().StringVar(&file, "file", "", "read poem text from a file ('-' for stdin)")
	return cmd
}

func poemReviseCmd() *cobra.Command {
	var body, file string
	cmd := &cobra.Command{
		Use:   "revise <poem-id>",
		Short: "Submit a revision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readBody(body, file)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := scoped(e).SubmitRevision(ctx, args[0], text)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("Poem %s is at version %d, deadline unchanged: %s\n", p.ID, p.VersionNumber, p.DeadlineAt.UTC().Format(time.RFC3339))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&body, "body", "", "revised text")
	cmd.Flags().StringVar(&file, "file", "", "read revised text from a file ('-' for stdin)")
	return cmd
}

func poemPublishCmd() *cobra.Command {
	var grace bool
	cmd := &cobra.Command{
		Use:   "publish <poem-id>",
		Short: "Publish a poem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := scoped(e).PublishPoem(ctx, args[0], grace)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				late := ""
				if p.LateGrace {
					late = " (late, within grace)"
				}
				fmt.Printf("Published poem %s%s\n", p.ID, late)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&grace, "grace", false, "publish within the grace window after the deadline")
	return cmd
}

func poemRecordCmd() *cobra.Command {
	var ref string
	cmd := &cobra.Command{
		Use:   "record <poem-id>",
		Short: "Attach a recording reference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := scoped(e).UploadRecording(ctx, args[0], ref)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&ref, "ref", "", "recording location")
	_ = cmd.MarkFlagRequired("ref")
	return cmd
}

func poemReflectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reflect <poem-id>",
		Short: "Mark the reflection complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := scoped(e).CompleteReflection(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func poemShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <poem-id>",
		Short: "Show a poem with its versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := scoped(e).GetPoem(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
	return cmd
}

func poemListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <contract-id>",
		Short: "List a contract's poems",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				se := scoped(e)
				c, err := se.GetContract(ctx, args[0])
				if err != nil {
					return err
				}
				items, err := se.ListPoems(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printPoems(items, c.Location())
				return nil
			})
		},
	}
	return cmd
}

func notifyCmd() *cobra.Command {
	n := &cobra.Command{Use: "notify", Short: "Read enforcement notifications"}
	n.AddCommand(notifyListCmd())
	n.AddCommand(notifyReadCmd())
	n.AddCommand(notifyWatchCmd())
	return n
}

func notifyListCmd() *cobra.Command {
	var unread bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			writer, err := requireWriter()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := scoped(e).Notifications(ctx, writer, unread)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Severity", "Contract", "Message", "Created", "Read"})
				for _, n := range items {
					read := ""
					if n.ReadAt != nil {
						read = "yes"
					}
					tw.AppendRow(table.Row{n.ID, n.Severity, n.ContractID, n.Message, n.CreatedAt.UTC().Format(time.RFC3339), read})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&unread, "unread", false, "only unread notifications")
	return cmd
}

func notifyReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read <notification-id>",
		Short: "Mark a notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := scoped(e).MarkNotificationRead(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	return cmd
}

func notifyWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live notifications from redis",
		RunE: func(cmd *cobra.Command, args []string) error {
			writer := viper.GetString("writer")
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				sub, ok := rt.Subscriber()
				if !ok {
					return errors.New("notify watch needs notify.redis_addr or --redis-addr")
				}
				return sub.Subscribe(ctx, func(n domain.Notification) {
					if writer != "" && n.WriterID != writer {
						return
					}
					if viper.GetBool("json") {
						_ = printJSON(n)
						return
					}
					fmt.Printf("%s [%s] %s: %s\n", n.CreatedAt.UTC().Format(time.RFC3339), n.Severity, n.ContractID, n.Message)
				})
			})
		},
	}
	return cmd
}

func patternCmd() *cobra.Command {
	p := &cobra.Command{Use: "pattern", Short: "Inspect behavioral patterns"}
	p.AddCommand(patternListCmd())
	p.AddCommand(patternSummaryCmd())
	p.AddCommand(patternAckCmd())
	return p
}

func patternListCmd() *cobra.Command {
	var contractID, patternType string
	var unacked bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			writer, err := requireWriter()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := scoped(e).ListPatterns(ctx, repo.PatternFilters{
					WriterID:       writer,
					ContractID:     contractID,
					Type:           domain.PatternType(patternType),
					Unacknowledged: unacked,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Contract", "Evidence", "Acknowledged"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Type, p.ContractID, len(p.EvidenceRefs), p.Acknowledged})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&contractID, "contract", "", "contract id filter")
	cmd.Flags().StringVar(&patternType, "type", "", "pattern type filter")
	cmd.Flags().BoolVar(&unacked, "unacknowledged", false, "only unacknowledged patterns")
	return cmd
}

func patternSummaryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Pattern counts per type",
		RunE: func(cmd *cobra.Command, args []string) error {
			writer, err := requireWriter()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rows, err := scoped(e).PatternSummary(ctx, writer)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Type", "Open", "Acknowledged"})
				for _, r := range rows {
					tw.AppendRow(table.Row{r.Type, r.Unacknowledged, r.Acknowledged})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func patternAckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ack <pattern-id>",
		Short: "Acknowledge a pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := scoped(e).AcknowledgePattern(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func scheduleCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "schedule",
		Short: "Run enforcement checks",
		Long:  "Deadline checks archive elapsed submissions. Release checks break contracts that missed a period. Finalization completes contracts whose term ended cleanly.",
	}
	s.AddCommand(scheduleRunCmd())
	s.AddCommand(scheduleStartCmd())
	return s
}

func scheduleRunCmd() *cobra.Command {
	var trigger string
	var force bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one enforcement pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Scheduler()
				if err != nil {
					return err
				}
				reports, err := s.Run(ctx, trigger, force)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reports)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Trigger", "Processed", "Acted", "Skipped", "Failed"})
				for _, r := range reports {
					tw.AppendRow(table.Row{r.Trigger, r.Processed, r.Acted, r.Skipped, r.Failed})
				}
				tw.Render()
				for _, r := range reports {
					for _, msg := range r.Errors {
						fmt.Printf("%s: %s\n", r.Trigger, msg)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&trigger, "trigger", scheduler.TriggerAll, "deadlines, releases, finalize or all")
	cmd.Flags().BoolVar(&force, "force", false, "ignore the local check time for daily checks")
	return cmd
}

func scheduleStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the scheduler in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				s, err := rt.Scheduler()
				if err != nil {
					return err
				}
				fmt.Printf("Scheduler running (deadlines %q, daily sweep %q)\n", rt.Config.Scheduler.DeadlineCheck, rt.Config.Scheduler.DailySweep)
				return s.Start(ctx)
			})
		},
	}
	return cmd
}

func keyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "key",
		Short: "Manage API keys",
		Long:  "API keys let scripts and the SDK act as a writer through the HTTP API (X-Api-Key header). The secret is printed once at creation.",
	}
	k.AddCommand(keyCreateCmd())
	k.AddCommand(keyListCmd())
	k.AddCommand(keyRevokeCmd())
	return k
}

func keyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			writer, err := requireWriter()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, secret, err := scoped(e).CreateAPIKey(ctx, writer, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "secret": secret})
				}
				fmt.Printf("Created key %s for %s\n", key.ID, key.WriterID)
				fmt.Printf("Secret (shown once): %s\n", secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func keyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			writer, err := requireWriter()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := scoped(e).ListAPIKeys(ctx, writer)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt.UTC().Format(time.RFC3339)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func keyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := scoped(e).RevokeAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Revoked key %s\n", args[0])
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
		Long:  "versekeep.yml holds the platform constraint table, default cadence, enforcement windows, pattern thresholds and scheduler timing. Missing keys fall back to defaults.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate versekeep.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default versekeep.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withScheduler, allowHeader, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{
				JWTSecret:         viper.GetString("jwt-secret"),
				AllowWriterHeader: allowHeader,
				AllowDevLogin:     devLogin,
			}
			if authCfg.JWTSecret == "" && !allowHeader {
				return fmt.Errorf("VERSEKEEP_JWT_SECRET is required for bearer auth")
			}
			if devLogin && authCfg.JWTSecret == "" {
				return fmt.Errorf("--dev-login needs VERSEKEEP_JWT_SECRET to sign tokens")
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				authCfg.Logger = rt.Logger
				handler, err := server.New(server.Config{Engine: rt.Engine, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				if withScheduler {
					s, err := rt.Scheduler()
					if err != nil {
						return err
					}
					go func() {
						if err := s.Start(ctx); err != nil {
							rt.Logger.Error("scheduler stopped", "error", err)
						}
					}()
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Versekeep API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&withScheduler, "scheduler", true, "run periodic enforcement checks in-process")
	cmd.Flags().BoolVar(&allowHeader, "allow-writer-header", false, "accept X-Writer-Id without a token (local use only)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/token")
	return cmd
}

// --- helpers ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		LogMode:   viper.GetString("log-mode"),
		LogLevel:  viper.GetString("log-level"),
		RedisAddr: viper.GetString("redis-addr"),
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withRuntime(ctx, func(ctx context.Context, rt *app.Runtime) error {
		return fn(ctx, rt.Engine)
	})
}

// scoped restricts the engine to --writer when one is given.
func scoped(e engine.Engine) engine.Engine {
	if writer := strings.TrimSpace(viper.GetString("writer")); writer != "" {
		return e.ForWriter(writer)
	}
	return e
}

func requireWriter() (string, error) {
	writer := strings.TrimSpace(viper.GetString("writer"))
	if writer == "" {
		return "", errors.New("--writer (or VERSEKEEP_WRITER) is required")
	}
	return writer, nil
}

func readBody(body, file string) (string, error) {
	if file == "" {
		return body, nil
	}
	if body != "" {
		return "", errors.New("use either --body or --file")
	}
	var data []byte
	var err error
	if file == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func parseStartDate(raw, timezone string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("--timezone: %w", err)
	}
	t, err := time.ParseInLocation("2006-01-02", raw, loc)
	if err != nil {
		return nil, fmt.Errorf("--start must be YYYY-MM-DD or RFC3339")
	}
	return &t, nil
}

func printPoems(items []domain.Poem, loc *time.Location) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Version", "Deadline", "Late"})
	for _, p := range items {
		late := ""
		if p.LateGrace {
			late = "grace"
		}
		tw.AppendRow(table.Row{p.ID, p.Title, p.Status, p.VersionNumber, p.DeadlineAt.In(loc).Format("2006-01-02 15:04 MST"), late})
	}
	tw.Render()
}

func formatTime(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "-"
	}
	return t.In(loc).Format("2006-01-02 15:04 MST")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
