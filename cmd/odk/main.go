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

	"outcomedesk/internal/capi"
	"outcomedesk/internal/config"
	"outcomedesk/internal/db"
	"outcomedesk/internal/domain"
	"outcomedesk/internal/engine"
	"outcomedesk/internal/migrate"
	"outcomedesk/internal/repo"
	"outcomedesk/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "odk",
	Short: "Outcomedesk CLI",
	Long: `Outcomedesk is an outcome matching and settlement engine.
Buyers submit outcome requests with a bid strategy; the auction matches each
request to an eligible execution engine under the buyer's budget, and the
conversions pipeline settles delivery through verified events, guarantees and
escalations. The workspace holds .outcomedesk/outcomedesk.db plus
outcomedesk.yml (catalog, premiums, budget alerts, escalation destinations).`,
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
	viper.SetEnvPrefix("OUTCOMEDESK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(engineCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(budgetCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var marketplaceID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config %s already exists", cfgPath)
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(marketplaceID)), 0o644); err != nil {
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
			fmt.Printf("Initialized workspace: %s and %s\n", cfgPath, db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&marketplaceID, "marketplace-id", "default", "marketplace id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Inspect workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = c.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	return cfg
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show marketplace status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				counts, err := e.Repo.CountRequestsByStatus(ctx)
				if err != nil {
					return err
				}
				engines, err := e.Repo.ListActiveEngines(ctx)
				if err != nil {
					return err
				}
				out := map[string]any{
					"marketplace_id": e.Config.Marketplace.ID,
					"active_engines": len(engines),
					"request_counts": counts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Marketplace: %s\n", e.Config.Marketplace.ID)
				fmt.Printf("Active engines: %d\n", len(engines))
				fmt.Println("Requests:")
				for status, c := range counts {
					fmt.Printf("  %s: %d\n", status, c)
				}
				return nil
			})
		},
	}
	return cmd
}

func engineCmd() *cobra.Command {
	eng := &cobra.Command{
		Use:   "engine",
		Short: "Manage execution engines",
		Long:  "Execution engines are the sellers: a model plus harness with capabilities, a latency profile and quoted prices per outcome type.",
	}
	eng.AddCommand(engineRegisterCmd())
	eng.AddCommand(engineListCmd())
	eng.AddCommand(engineShowCmd())
	return eng
}

func engineRegisterCmd() *cobra.Command {
	var id, name, model, harness, vendor string
	var capabilities []string
	var p95 int
	var pricesJSON string
	var inactive bool
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register or update an engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng := domain.ExecutionEngine{
				EngineID:     id,
				Name:         name,
				Model:        model,
				Harness:      harness,
				Vendor:       vendor,
				P95LatencyMS: p95,
				Active:       !inactive,
			}
			if len(capabilities) > 0 {
				b, _ := json.Marshal(capabilities)
				eng.CapabilitiesJSON = string(b)
			}
			if pricesJSON != "" {
				var prices map[string]float64
				if err := json.Unmarshal([]byte(pricesJSON), &prices); err != nil {
					return fmt.Errorf("invalid --quoted-prices-json: %w", err)
				}
				b, _ := json.Marshal(domain.CostProfile{QuotedPrices: prices})
				eng.CostProfileJSON = string(b)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.RegisterEngine(ctx, eng, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "engine id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&model, "model", "", "model identifier")
	cmd.Flags().StringVar(&harness, "harness", "", "harness identifier")
	cmd.Flags().StringVar(&vendor, "vendor", "", "vendor")
	cmd.Flags().StringArrayVar(&capabilities, "capability", []string{}, "capability (repeatable)")
	cmd.Flags().IntVar(&p95, "p95-latency-ms", 0, "p95 latency in milliseconds")
	cmd.Flags().StringVar(&pricesJSON, "quoted-prices-json", "", `quoted prices JSON, e.g. {"cs.resolve": 4.5, "default": 6}`)
	cmd.Flags().BoolVar(&inactive, "inactive", false, "register without accepting work")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("model")
	_ = cmd.MarkFlagRequired("harness")
	return cmd
}

func engineListCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List engines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var (
					engines []domain.ExecutionEngine
					err     error
				)
				if activeOnly {
					engines, err = e.Repo.ListActiveEngines(ctx)
				} else {
					engines, err = e.Repo.ListEngines(ctx)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(engines)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Model", "Harness", "Quality", "P95 ms", "Active"})
				for _, eng := range engines {
					tw.AppendRow(table.Row{eng.EngineID, eng.Model, eng.Harness, fmt.Sprintf("%.2f", eng.QualityScore), eng.P95LatencyMS, eng.Active})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "only engines accepting work")
	return cmd
}

func engineShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <engine-id>",
		Short: "Show an engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				eng, err := e.Repo.GetEngine(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(eng)
			})
		},
	}
	return cmd
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{
		Use:   "request",
		Short: "Manage outcome requests",
		Long:  "Requests flow pending -> assigned -> completed/failed/escalated, or land in no_match when no engine fits under the bid cap. Submit runs the auction inline.",
	}
	req.AddCommand(requestSubmitCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestCancelCmd())
	req.AddCommand(requestDeliverCmd())
	return req
}

func requestSubmitCmd() *cobra.Command {
	var buyerID, outcomeType, verification, correlationID string
	var bidStrategyJSON, constraintsJSON, escalationJSON, guaranteeJSON, prefsJSON, criteriaJSON string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a request and run the auction",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := domain.OutcomeRequest{
				BuyerID:           buyerID,
				OutcomeType:       outcomeType,
				VerificationModel: verification,
				BidStrategyJSON:   bidStrategyJSON,
			}
			if correlationID != "" {
				req.CorrelationID = &correlationID
			}
			req.SuccessCriteriaJSON = optionalString(criteriaJSON)
			req.DeliveryConstraintsJSON = optionalString(constraintsJSON)
			req.EscalationPolicyJSON = optionalString(escalationJSON)
			req.GuaranteeTermsJSON = optionalString(guaranteeJSON)
			req.ExecutionPreferencesJSON = optionalString(prefsJSON)
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, assignment, err := e.SubmitRequest(ctx, req, viper.GetString("actor-id"))
				if err != nil && res.Status != "no_match" {
					return err
				}
				out := map[string]any{"request": res}
				if assignment != nil {
					out["assignment"] = assignment
				}
				if err != nil {
					out["no_match_reason"] = err.Error()
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().StringVar(&buyerID, "buyer-id", "", "buyer id")
	cmd.Flags().StringVar(&outcomeType, "outcome-type", "", "catalog outcome type")
	cmd.Flags().StringVar(&verification, "verification-model", "", "capi or guarantee (defaults from catalog)")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "buyer-side correlation id")
	cmd.Flags().StringVar(&bidStrategyJSON, "bid-strategy-json", "", `bid strategy JSON, e.g. {"type":"bid_cap","bid_amount":10}`)
	cmd.Flags().StringVar(&criteriaJSON, "success-criteria-json", "", "success criteria JSON")
	cmd.Flags().StringVar(&constraintsJSON, "delivery-constraints-json", "", "delivery constraints JSON")
	cmd.Flags().StringVar(&escalationJSON, "escalation-policy-json", "", "escalation policy JSON")
	cmd.Flags().StringVar(&guaranteeJSON, "guarantee-terms-json", "", "guarantee terms JSON")
	cmd.Flags().StringVar(&prefsJSON, "execution-preferences-json", "", "execution preferences JSON")
	_ = cmd.MarkFlagRequired("buyer-id")
	_ = cmd.MarkFlagRequired("outcome-type")
	_ = cmd.MarkFlagRequired("bid-strategy-json")
	return cmd
}

func requestShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <request-id>",
		Short: "Show a request and its assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				req, err := e.Repo.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				out := map[string]any{"request": req}
				if a, aerr := e.Repo.GetAssignment(ctx, args[0]); aerr == nil {
					out["assignment"] = a
				}
				return printJSON(out)
			})
		},
	}
	return cmd
}

func requestListCmd() *cobra.Command {
	var f repo.RequestFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if f.Limit <= 0 {
					f.Limit = 50
				}
				reqs, err := e.Repo.ListRequests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reqs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Buyer", "Outcome", "Verification", "Status"})
				for _, r := range reqs {
					tw.AppendRow(table.Row{r.RequestID, r.BuyerID, r.OutcomeType, r.VerificationModel, r.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.BuyerID, "buyer-id", "", "buyer filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.OutcomeType, "outcome-type", "", "outcome type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func requestCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <request-id>",
		Short: "Cancel a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				req, err := e.CancelRequest(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(req)
			})
		},
	}
	return cmd
}

func requestDeliverCmd() *cobra.Command {
	var status, resultsJSON, metricsJSON, escalationJSON string
	cmd := &cobra.Command{
		Use:   "deliver <request-id>",
		Short: "Record a delivery response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := engine.DeliveryInput{RequestID: args[0], Status: status}
			if resultsJSON != "" {
				if err := json.Unmarshal([]byte(resultsJSON), &in.SuccessCriteriaResults); err != nil {
					return fmt.Errorf("invalid --success-criteria-results-json: %w", err)
				}
			}
			if metricsJSON != "" {
				if err := json.Unmarshal([]byte(metricsJSON), &in.DeliveryMetrics); err != nil {
					return fmt.Errorf("invalid --delivery-metrics-json: %w", err)
				}
			}
			if escalationJSON != "" {
				in.Escalation = &engine.EscalationReport{}
				if err := json.Unmarshal([]byte(escalationJSON), in.Escalation); err != nil {
					return fmt.Errorf("invalid --escalation-json: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				resp, err := e.RecordDelivery(ctx, in, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(resp)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "completed, failed or escalated")
	cmd.Flags().StringVar(&resultsJSON, "success-criteria-results-json", "", "success criteria results JSON")
	cmd.Flags().StringVar(&metricsJSON, "delivery-metrics-json", "", "delivery metrics JSON")
	cmd.Flags().StringVar(&escalationJSON, "escalation-json", "", "escalation report JSON (required for escalated)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func eventCmd() *cobra.Command {
	ev := &cobra.Command{
		Use:   "event",
		Short: "Conversion events",
		Long:  "Conversion events settle outcomes after delivery: successes, failures, reported value, claims and evidence all arrive as events and are matched back to requests.",
	}
	ev.AddCommand(eventSendCmd())
	ev.AddCommand(eventBatchCmd())
	ev.AddCommand(eventShowCmd())
	ev.AddCommand(eventRetryCmd())
	return ev
}

func eventSendCmd() *cobra.Command {
	var evtType, requestID, correlationID, buyerID, sourceTime, dataJSON string
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Ingest one conversion event",
		RunE: func(cmd *cobra.Command, args []string) error {
			in := capi.EventInput{
				EventType:       evtType,
				RequestID:       requestID,
				CorrelationID:   correlationID,
				BuyerID:         buyerID,
				EventSourceTime: sourceTime,
			}
			if dataJSON != "" {
				if err := json.Unmarshal([]byte(dataJSON), &in.Data); err != nil {
					return fmt.Errorf("invalid --data-json: %w", err)
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				res, err := e.IngestEvent(ctx, in, viper.GetString("actor-id"))
				if err != nil {
					if errors.Is(err, capi.ErrUnmatched) {
						fmt.Printf("event %s stored unmatched; retry loop will re-match\n", res.EventID)
						return nil
					}
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&evtType, "type", "", "event type, e.g. outcome.success")
	cmd.Flags().StringVar(&requestID, "request-id", "", "request id")
	cmd.Flags().StringVar(&correlationID, "correlation-id", "", "correlation id")
	cmd.Flags().StringVar(&buyerID, "buyer-id", "", "buyer id (fuzzy match)")
	cmd.Flags().StringVar(&sourceTime, "source-time", "", "event source time (RFC3339)")
	cmd.Flags().StringVar(&dataJSON, "data-json", "", "event data JSON")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func eventBatchCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Ingest a batch of events from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var ins []capi.EventInput
			if err := json.Unmarshal(data, &ins); err != nil {
				return fmt.Errorf("invalid batch file: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items := e.IngestBatch(ctx, ins, viper.GetString("actor-id"))
				out := make([]map[string]any, 0, len(items))
				for _, item := range items {
					row := map[string]any{
						"event_id": item.Result.EventID,
						"status":   item.Result.Status,
					}
					if item.Err != nil {
						row["error"] = item.Err.Error()
					}
					out = append(out, row)
				}
				return printJSON(out)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to JSON array of events")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func eventShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <event-id>",
		Short: "Show a stored event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ev, err := e.Repo.GetConversionEvent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(ev)
			})
		},
	}
	return cmd
}

func eventRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry-unmatched",
		Short: "Run one unmatched-event retry pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				e.Pipeline.RetryUnmatched(ctx)
				fmt.Println("retry pass complete")
				return nil
			})
		},
	}
	return cmd
}

func claimCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "claim",
		Short: "Guarantee claims",
		Long:  "Claims are filed through guarantee.claim events; this inspects them and attaches local evidence files.",
	}
	c.AddCommand(claimShowCmd())
	c.AddCommand(claimListCmd())
	c.AddCommand(claimEvidenceCmd())
	c.AddCommand(guaranteeShowCmd())
	c.AddCommand(guaranteeSweepCmd())
	return c
}

func claimShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <claim-id>",
		Short: "Show a claim and its evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				claim, err := e.Repo.GetClaim(ctx, args[0])
				if err != nil {
					return err
				}
				evidence, err := e.Repo.ListEvidence(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"claim": claim, "evidence": evidence})
			})
		},
	}
	return cmd
}

func claimListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <request-id>",
		Short: "List claims for a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				claims, err := e.Repo.ListClaimsForRequest(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(claims)
			})
		},
	}
	return cmd
}

func claimEvidenceCmd() *cobra.Command {
	var kind, contentType, filePath string
	cmd := &cobra.Command{
		Use:   "evidence <claim-id>",
		Short: "Attach an evidence file to a claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				ev, err := e.AttachEvidence(ctx, args[0], kind, contentType, string(data), viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSON(ev)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "evidence kind, e.g. transcript")
	cmd.Flags().StringVar(&contentType, "content-type", "text/plain", "content type")
	cmd.Flags().StringVar(&filePath, "file", "", "path to evidence file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func guaranteeShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "guarantee <request-id>",
		Short: "Show the guarantee record for a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rec, err := e.Repo.GetGuaranteeRecord(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(rec)
			})
		},
	}
	return cmd
}

func guaranteeSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Expire aged-out guarantee windows now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				e.SweepGuaranteesNow()
				fmt.Println("sweep complete")
				return nil
			})
		},
	}
	return cmd
}

func budgetCmd() *cobra.Command {
	b := &cobra.Command{Use: "budget", Short: "Budget states"}
	var buyerID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List budget states for a buyer",
		RunE: func(cmd *cobra.Command, args []string) error {
			if buyerID == "" {
				return fmt.Errorf("--buyer-id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				states, err := e.Repo.ListBudgetStates(ctx, buyerID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(states)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Strategy", "Spent", "Reserved", "Effective cap", "Alert", "Paused until"})
				for _, st := range states {
					paused := ""
					if st.PausedUntil != nil {
						paused = *st.PausedUntil
					}
					tw.AppendRow(table.Row{st.StrategyKey, fmt.Sprintf("%.2f", st.SpentToDate), fmt.Sprintf("%.2f", st.Reserved), fmt.Sprintf("%.2f", st.EffectiveCap), st.AlertLevel, paused})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&buyerID, "buyer-id", "", "buyer id")
	b.AddCommand(list)
	return b
}

func authCmd() *cobra.Command {
	a := &cobra.Command{Use: "auth", Short: "API key management"}
	a.AddCommand(authCreateKeyCmd())
	a.AddCommand(authListKeysCmd())
	a.AddCommand(authRevokeKeyCmd())
	return a
}

func authCreateKeyCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create-key",
		Short: "Create an API key (printed once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			key := "odk_" + uuid.NewString()
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				rec := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(key),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, tx, rec); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSON(map[string]string{"id": rec.ID, "actor_id": actorID, "key": key})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func authListKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list-keys",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				return printJSON(keys)
			})
		},
	}
	return cmd
}

func authRevokeKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke-key <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.DeleteAPIKey(ctx, tx, args[0]); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{Use: "log", Short: "Audit log"}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.AuditFilters
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if f.Limit <= 0 {
					f.Limit = 20
				}
				if follow && f.AfterID == 0 {
					latest, err := e.Repo.LatestAuditID(ctx)
					if err != nil {
						return err
					}
					f.AfterID = latest
				}
				for {
					evs, err := e.Repo.ListAuditEvents(ctx, f)
					if err != nil {
						return err
					}
					for _, ev := range evs {
						if viper.GetBool("json") {
							if err := printJSON(ev); err != nil {
								return err
							}
						} else {
							fmt.Printf("%s %-24s %s/%s actor=%s %s\n", ev.TS, ev.Type, ev.EntityKind, ev.EntityID, ev.ActorID, ev.Payload)
						}
						f.AfterID = ev.ID
					}
					if !follow {
						return nil
					}
					select {
					case <-ctx.Done():
						return nil
					case <-time.After(2 * time.Second):
					}
				}
			})
		},
	}
	cmd.Flags().Int64Var(&f.AfterID, "after-id", 0, "start after event id")
	cmd.Flags().IntVar(&f.Limit, "n", 20, "batch size")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.RequestID, "request-id", "", "request id filter")
	cmd.Flags().BoolVar(&follow, "follow", false, "poll for new events")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowLegacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, nil)
			e.Start()
			defer e.Stop()
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("OUTCOMEDESK_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacyHeader,
			}
			if authCfg.JWTSecret == "" && !allowLegacyHeader {
				return fmt.Errorf("OUTCOMEDESK_JWT_SECRET is required for bearer auth (or pass --allow-legacy-actor-header for local use)")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Outcomedesk API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowLegacyHeader, "allow-legacy-actor-header", false, "accept X-Actor-Id without auth (local only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg, nil))
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

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
