package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"careline/internal/app"
	"careline/internal/config"
	"careline/internal/db"
	"careline/internal/engine"
	"careline/internal/events"
	"careline/internal/lifecycle"
	"careline/internal/migrate"
	"careline/internal/reconcile"
	"careline/internal/repo"
	"careline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "cl",
	Short: "Careline CLI",
	Long: `Careline governs RN case assignments with an auditable event log and SLA clocks.
Core concepts:
- Workspace: your .careline directory holding only the database; governance config lives in the DB and is imported explicitly.
- Case: one patient case file; it carries an assignment pointer (which RN, if any).
- Epoch: one assignment generation. Every assign/reassign opens a fresh epoch; accept and decline only count against the epoch the RN was shown.
- Governance events: the append-only diary (ASSIGNED, ACCEPTED, DECLINED, ACK_SENT, NUDGED, UNASSIGNED, REASSIGNED). Current state is always replayed from it, never read off a flag.
- SLA clocks: acceptance is wall clock; notification and outreach roll past end of business and skip weekends.
- Repair: legacy rows with an RN but no epoch get a synthesized ASSIGNED event, on read or via 'cl sweep'.`,
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CARELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("org", "", "org id (overrides default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
}

func registerCommands() {
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(staffCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(serveCmd())
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "case",
		Short: "Manage cases",
		Long:  "Cases move through assignment epochs: assign opens one, the RN accepts or declines it, ack-sent records the patient notification, and unassign/reassign close it. State is replayed from the event log on every read.",
	}
	c.AddCommand(caseCreateCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseAssignCmd())
	c.AddCommand(caseUnassignCmd())
	c.AddCommand(caseReassignCmd())
	c.AddCommand(caseNudgeCmd())
	c.AddCommand(caseAckCmd())
	c.AddCommand(caseAcceptCmd())
	c.AddCommand(caseDeclineCmd())
	c.AddCommand(caseOutreachCmd())
	c.AddCommand(caseRepairCmd())
	c.AddCommand(caseCloseCmd())
	return c
}

func caseCreateCmd() *cobra.Command {
	var opts engine.CaseCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCase(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "case id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.PatientRef, "patient-ref", "", "external patient reference")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func caseListCmd() *cobra.Command {
	var state, rnID string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List open cases with lifecycle and SLA status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f := engine.QueueFilters{AssignedRNID: rnID, Limit: limit}
				if state != "" {
					f.States = []lifecycle.State{lifecycle.State(state)}
				}
				views, err := e.Queue(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(views)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "State", "RN", "Acceptance", "Notification", "Outreach"})
				for _, v := range views {
					rn := ""
					if v.Case.AssignedRName != nil {
						rn = *v.Case.AssignedRName
					}
					tw.AppendRow(table.Row{
						v.Case.ID, v.Case.Title, v.Projection.State, rn,
						v.SLA.Acceptance.Status, v.SLA.Notification.Status, v.SLA.Outreach.Status,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "lifecycle state filter")
	cmd.Flags().StringVar(&rnID, "rn-id", "", "assigned RN filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max cases")
	return cmd
}

func caseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show case projection and SLA clocks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.CaseView(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	return cmd
}

func caseAssignCmd() *cobra.Command {
	var rnID string
	cmd := &cobra.Command{
		Use:   "assign <case-id>",
		Short: "Assign case to an RN",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Assign(ctx, engine.AssignOptions{CaseID: args[0], RNID: rnID, ActorID: viper.GetString("actor-id")})
				if err != nil {
					return err
				}
				return printActionResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&rnID, "rn-id", "", "RN staff id")
	_ = cmd.MarkFlagRequired("rn-id")
	return cmd
}

func caseUnassignCmd() *cobra.Command {
	var reasonCode, reasonText string
	cmd := &cobra.Command{
		Use:   "unassign <case-id>",
		Short: "Unassign case, closing the epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Unassign(ctx, engine.UnassignOptions{
					CaseID: args[0], ReasonCode: reasonCode, ReasonText: reasonText,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printActionResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&reasonCode, "reason-code", "", "reason code (see config unassign.reason_codes)")
	cmd.Flags().StringVar(&reasonText, "reason-text", "", "free-form reason")
	_ = cmd.MarkFlagRequired("reason-code")
	return cmd
}

func caseReassignCmd() *cobra.Command {
	var rnID, reasonCode, reasonText string
	cmd := &cobra.Command{
		Use:   "reassign <case-id>",
		Short: "Reassign case to another RN under a fresh epoch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Reassign(ctx, engine.ReassignOptions{
					CaseID: args[0], NewRNID: rnID, ReasonCode: reasonCode, ReasonText: reasonText,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printActionResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&rnID, "rn-id", "", "new RN staff id")
	cmd.Flags().StringVar(&reasonCode, "reason-code", "", "reason code")
	cmd.Flags().StringVar(&reasonText, "reason-text", "", "free-form reason")
	_ = cmd.MarkFlagRequired("rn-id")
	_ = cmd.MarkFlagRequired("reason-code")
	return cmd
}

func caseNudgeCmd() *cobra.Command {
	var nudgeType, message string
	cmd := &cobra.Command{
		Use:   "nudge <case-id>",
		Short: "Send the assigned RN an advisory nudge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Nudge(ctx, engine.NudgeOptions{
					CaseID: args[0], Type: nudgeType, Message: message,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printActionResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&nudgeType, "type", "reminder", "nudge type")
	cmd.Flags().StringVar(&message, "message", "", "nudge message")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func caseAckCmd() *cobra.Command {
	var channels []string
	cmd := &cobra.Command{
		Use:   "ack <case-id>",
		Short: "Record that the patient notification was sent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.RecordAckSent(ctx, engine.AckOptions{
					CaseID: args[0], Channels: channels,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printActionResult(res)
			})
		},
	}
	cmd.Flags().StringArrayVar(&channels, "channel", []string{}, "notification channel (repeatable)")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func caseAcceptCmd() *cobra.Command {
	var epochID string
	cmd := &cobra.Command{
		Use:   "accept <case-id>",
		Short: "Accept the assignment epoch you were shown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Accept(ctx, engine.ResolveOptions{
					CaseID: args[0], EpochID: epochID,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printActionResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&epochID, "epoch-id", "", "epoch id shown at assignment")
	_ = cmd.MarkFlagRequired("epoch-id")
	return cmd
}

func caseDeclineCmd() *cobra.Command {
	var epochID, reasonCode, reasonText string
	cmd := &cobra.Command{
		Use:   "decline <case-id>",
		Short: "Decline the assignment epoch you were shown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Decline(ctx, engine.ResolveOptions{
					CaseID: args[0], EpochID: epochID, ReasonCode: reasonCode, ReasonText: reasonText,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printActionResult(res)
			})
		},
	}
	cmd.Flags().StringVar(&epochID, "epoch-id", "", "epoch id shown at assignment")
	cmd.Flags().StringVar(&reasonCode, "reason-code", "", "decline reason code")
	cmd.Flags().StringVar(&reasonText, "reason-text", "", "free-form reason")
	_ = cmd.MarkFlagRequired("epoch-id")
	return cmd
}

func caseOutreachCmd() *cobra.Command {
	var channel, note string
	cmd := &cobra.Command{
		Use:   "outreach <case-id>",
		Short: "Log an outreach attempt",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				attempt, err := e.RecordOutreach(ctx, engine.OutreachOptions{
					CaseID: args[0], Channel: channel, Note: note,
					ActorID: viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(attempt)
			})
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "contact channel (phone, sms, email)")
	cmd.Flags().StringVar(&note, "note", "", "note")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func caseRepairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repair <case-id>",
		Short: "Synthesize a missing epoch for a legacy assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Repair(ctx, engine.RepairOptions{CaseID: args[0], ActorID: viper.GetString("actor-id")})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func caseCloseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "close <case-id>",
		Short: "Close case file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CloseCase(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func staffCmd() *cobra.Command {
	s := &cobra.Command{Use: "staff", Short: "Manage staff"}
	s.AddCommand(staffAddCmd())
	s.AddCommand(staffListCmd())
	s.AddCommand(staffDeactivateCmd())
	return s
}

func staffAddCmd() *cobra.Command {
	var opts engine.StaffCreateOptions
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a staff member",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.CreateStaff(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "staff id (optional, UUID if omitted)")
	cmd.Flags().StringVar(&opts.DisplayName, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Role, "role", "rn", "role (rn or supervisor)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func staffListCmd() *cobra.Command {
	var role string
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List staff",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				staff, err := e.Repo.ListStaff(ctx, role, activeOnly)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(staff)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Active"})
				for _, s := range staff {
					tw.AppendRow(table.Row{s.ID, s.DisplayName, s.Role, s.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role filter")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "active only")
	return cmd
}

func staffDeactivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Deactivate staff member (keeps history)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Repo.SetStaffActive(ctx, args[0], false); err != nil {
					return err
				}
				s, err := e.Repo.GetStaff(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys for the HTTP API"}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyRevokeCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var staffID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key bound to a staff member",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetStaff(ctx, staffID); err != nil {
					return err
				}
				secret := uuid.New().String()
				key := repo.APIKey{
					ID:        uuid.New().String(),
					StaffID:   staffID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				// The secret is shown once; only its hash is stored.
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"staff_id": key.StaffID,
					"name":     key.Name,
					"secret":   secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&staffID, "staff-id", "", "staff id the key acts as")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	_ = cmd.MarkFlagRequired("staff-id")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var staffID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, staffID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&staffID, "staff-id", "", "filter by staff id")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage governance config",
		Long:  "Governance config is stored in the DB per org: SLA windows, business-day end, reason codes, nudge bounds, reconciler schedule and webhooks. Import from careline.yml to change it.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configExportCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show governance config stored in DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import governance config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			orgID := cfg.Org.ID
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if override := viper.GetString("org"); override != "" {
					orgID = override
				}
				if err := r.UpsertGovernanceConfig(ctx, orgID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Print stored governance config as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				data, err := e.Config.ToYAML()
				if err != nil {
					return err
				}
				fmt.Print(string(data))
				return nil
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
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

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Governance event log",
		Long:  "The audit diary: every assign, accept, decline, nudge, ack, unassign and reassign, with actor and epoch.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var action, caseID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail governance events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				f := events.Filters{Limit: n}
				if action != "" {
					f.Actions = []string{action}
				}
				if caseID != "" {
					f.CaseIDs = []string{caseID}
				}
				evts, err := e.Log.Latest(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Case", "Action", "Actor", "Epoch"})
				for _, evt := range evts {
					tw.AppendRow(table.Row{evt.ID, evt.CreatedAt, evt.CaseID, evt.Action, evt.ActorID, evt.Metadata.EpochID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&action, "action", "", "action filter")
	cmd.Flags().StringVar(&caseID, "case", "", "case id filter")
	return cmd
}

func sweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Repair all drifted cases now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s := reconcile.New(e, e.Config.Reconciler.Schedule)
				repaired, err := s.RunOnce(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"repaired": repaired})
				}
				fmt.Printf("repaired %d case(s)\n", repaired)
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyActor bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveConfig(cmd.Context(), viper.GetString("org"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("CARELINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyActor,
			}
			if authCfg.JWTSecret == "" && !allowLegacyActor {
				return fmt.Errorf("CARELINE_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			var sweeper *reconcile.Sweeper
			if cfg.Reconciler.Enabled {
				sweeper = reconcile.New(e, cfg.Reconciler.Schedule)
				if err := sweeper.Start(cmd.Context()); err != nil {
					return err
				}
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if sweeper != nil {
					sweeper.Stop(ctx)
				}
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Careline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowLegacyActor, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveConfig(ctx, viper.GetString("org"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printActionResult(res engine.ActionResult) error {
	if err := printJSONOrTable(res); err != nil {
		return err
	}
	if res.Warning != nil && !viper.GetBool("json") {
		fmt.Fprintln(os.Stderr, "warning:", res.Warning.Warning())
	}
	return nil
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
