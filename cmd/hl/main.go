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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"hireline/internal/config"
	"hireline/internal/db"
	"hireline/internal/domain"
	"hireline/internal/engine"
	"hireline/internal/migrate"
	"hireline/internal/oracle"
	"hireline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "hl",
	Short: "Hireline CLI",
	Long: `Hireline runs a two-stage agent labor marketplace: a job board where
employers and workers negotiate offer terms, and a funded escrow that pays
recurring salary, settles milestones, splits revenue and enforces bonded
termination. State lives in a local SQLite workspace; 'hl serve' exposes the
same engine over HTTP.`,
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
	viper.SetEnvPrefix("HIRELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "local-admin", "acting account")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(offerCmd())
	rootCmd.AddCommand(agreementCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(paramsCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func actor() string { return viper.GetString("actor") }

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
	params, err := engine.LoadParams(ctx, conn, config.Default(actor()))
	if err != nil {
		return err
	}
	e := engine.New(conn, params, oracle.FromConfig(params.Oracle))
	return fn(ctx, e)
}

// ---- jobs ----

func jobCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "job", Short: "Post and manage jobs"}
	cmd.AddCommand(jobCreateCmd())
	cmd.AddCommand(jobListCmd())
	cmd.AddCommand(jobShowCmd())
	cmd.AddCommand(jobApplyCmd())
	cmd.AddCommand(jobApplicationsCmd())
	cmd.AddCommand(jobCancelCmd())
	cmd.AddCommand(jobExpireCmd())
	cmd.AddCommand(jobInvitesCmd())
	return cmd
}

func jobCreateCmd() *cobra.Command {
	var metadataURI, visibility string
	var deadline, minScore, compMask int64
	var invited []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				job, err := e.CreateJob(ctx, engine.JobCreateOptions{
					Employer:            actor(),
					MetadataURI:         metadataURI,
					Visibility:          visibility,
					ApplicationDeadline: deadline,
					MinWorkerScore:      minScore,
					CompModeMask:        compMask,
					Invited:             invited,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
	cmd.Flags().StringVar(&metadataURI, "metadata-uri", "", "job description URI")
	cmd.Flags().StringVar(&visibility, "visibility", domain.JobVisibilityPublic, "public or invite_only")
	cmd.Flags().Int64Var(&deadline, "deadline", 0, "application deadline (unix seconds)")
	cmd.Flags().Int64Var(&minScore, "min-worker-score", 0, "minimum worker uptime score")
	cmd.Flags().Int64Var(&compMask, "comp-mode-mask", 0b111, "allowed compensation modes bitmask")
	cmd.Flags().StringSliceVar(&invited, "invite", nil, "invited account (repeatable)")
	_ = cmd.MarkFlagRequired("metadata-uri")
	_ = cmd.MarkFlagRequired("deadline")
	return cmd
}

func jobListCmd() *cobra.Command {
	var status, employer string
	var limit, offset int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				jobs, err := e.ListJobs(ctx, status, employer, limit, offset)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Employer", "Status", "Visibility", "Deadline", "Applications"})
				for _, j := range jobs {
					tw.AppendRow(table.Row{j.ID, j.Employer, j.Status, j.Visibility, j.ApplicationDeadline, j.ApplicationCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&employer, "employer", "", "employer filter")
	cmd.Flags().Int64Var(&limit, "limit", 50, "page size")
	cmd.Flags().Int64Var(&offset, "offset", 0, "page offset")
	return cmd
}

func jobShowCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				job, err := e.GetJob(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "job id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func jobApplyCmd() *cobra.Command {
	var id int64
	var uri string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Apply to a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				app, err := e.Apply(ctx, id, actor(), uri)
				if err != nil {
					return err
				}
				return printJSONOrTable(app)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "job", 0, "job id")
	cmd.Flags().StringVar(&uri, "application-uri", "", "application payload URI")
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("application-uri")
	return cmd
}

func jobApplicationsCmd() *cobra.Command {
	var id, limit, offset int64
	cmd := &cobra.Command{
		Use:   "applications",
		Short: "List applications for a job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				apps, err := e.ListApplications(ctx, id, limit, offset)
				if err != nil {
					return err
				}
				return printJSONOrTable(apps)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "job", 0, "job id")
	cmd.Flags().Int64Var(&limit, "limit", 50, "page size")
	cmd.Flags().Int64Var(&offset, "offset", 0, "page offset")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func jobCancelCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel an unmatched job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.CancelJob(ctx, id, actor()); err != nil {
					return err
				}
				job, err := e.GetJob(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "job", 0, "job id")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func jobExpireCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Expire a job past its application deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.ExpireJob(ctx, id, actor()); err != nil {
					return err
				}
				job, err := e.GetJob(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "job", 0, "job id")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

func jobInvitesCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "invites",
		Short: "List invited accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				invited, err := e.ListInvites(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(invited)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "job", 0, "job id")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

// ---- offers ----

func offerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "offer", Short: "Negotiate offers"}
	cmd.AddCommand(offerProposeCmd())
	cmd.AddCommand(offerCounterCmd())
	cmd.AddCommand(offerRejectCmd())
	cmd.AddCommand(offerWithdrawCmd())
	cmd.AddCommand(offerAcceptCmd())
	cmd.AddCommand(offerShowCmd())
	cmd.AddCommand(offerListCmd())
	return cmd
}

func termsFlags(cmd *cobra.Command, terms *domain.OfferTerms, milestonesJSON *string) {
	cmd.Flags().Int64Var(&terms.Recurring.AmountPerPeriod, "amount-per-period", 0, "recurring pay per period")
	cmd.Flags().Int64Var(&terms.Recurring.PeriodSeconds, "period-seconds", 0, "recurring period length")
	cmd.Flags().Int64Var(&terms.Recurring.TotalPeriods, "total-periods", 0, "number of recurring periods")
	cmd.Flags().Int64Var(&terms.ProfitShareBps, "profit-share-bps", 0, "worker share of deposited revenue")
	cmd.Flags().Int64Var(&terms.EmployerBondRequired, "employer-bond", 0, "employer bond the offer asks for")
	cmd.Flags().Int64Var(&terms.WorkerBondRequired, "worker-bond", 0, "worker bond the offer asks for")
	cmd.Flags().StringVar(&terms.TermsURI, "terms-uri", "", "off-band terms document URI")
	cmd.Flags().StringVar(milestonesJSON, "milestones", "", "milestone specs as a JSON array")
}

func parseTerms(terms domain.OfferTerms, milestonesJSON string) (domain.OfferTerms, error) {
	if milestonesJSON != "" {
		if err := json.Unmarshal([]byte(milestonesJSON), &terms.Milestones); err != nil {
			return terms, fmt.Errorf("parse --milestones: %w", err)
		}
	}
	return terms, nil
}

func offerProposeCmd() *cobra.Command {
	var jobID, applicationID int64
	var terms domain.OfferTerms
	var milestonesJSON string
	cmd := &cobra.Command{
		Use:   "propose",
		Short: "Propose an offer on an application",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := parseTerms(terms, milestonesJSON)
				if err != nil {
					return err
				}
				offer, err := e.ProposeOffer(ctx, jobID, applicationID, actor(), t)
				if err != nil {
					return err
				}
				return printJSONOrTable(offer)
			})
		},
	}
	cmd.Flags().Int64Var(&jobID, "job", 0, "job id")
	cmd.Flags().Int64Var(&applicationID, "application", 0, "application id")
	termsFlags(cmd, &terms, &milestonesJSON)
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("application")
	return cmd
}

func offerCounterCmd() *cobra.Command {
	var jobID, offerID int64
	var terms domain.OfferTerms
	var milestonesJSON string
	cmd := &cobra.Command{
		Use:   "counter",
		Short: "Counter the latest offer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				t, err := parseTerms(terms, milestonesJSON)
				if err != nil {
					return err
				}
				offer, err := e.CounterOffer(ctx, jobID, offerID, actor(), t)
				if err != nil {
					return err
				}
				return printJSONOrTable(offer)
			})
		},
	}
	cmd.Flags().Int64Var(&jobID, "job", 0, "job id")
	cmd.Flags().Int64Var(&offerID, "offer", 0, "offer id to counter")
	termsFlags(cmd, &terms, &milestonesJSON)
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("offer")
	return cmd
}

func offerActionCmd(use, short string, act func(context.Context, *engine.Engine, int64, int64) error) *cobra.Command {
	var jobID, offerID int64
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := act(ctx, e, jobID, offerID); err != nil {
					return err
				}
				offer, err := e.GetOffer(ctx, offerID)
				if err != nil {
					return err
				}
				return printJSONOrTable(offer)
			})
		},
	}
	cmd.Flags().Int64Var(&jobID, "job", 0, "job id")
	cmd.Flags().Int64Var(&offerID, "offer", 0, "offer id")
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("offer")
	return cmd
}

func offerRejectCmd() *cobra.Command {
	return offerActionCmd("reject", "Reject the latest offer", func(ctx context.Context, e *engine.Engine, jobID, offerID int64) error {
		return e.RejectOffer(ctx, jobID, offerID, actor())
	})
}

func offerWithdrawCmd() *cobra.Command {
	return offerActionCmd("withdraw", "Withdraw the latest offer", func(ctx context.Context, e *engine.Engine, jobID, offerID int64) error {
		return e.WithdrawOffer(ctx, jobID, offerID, actor())
	})
}

func offerAcceptCmd() *cobra.Command {
	var jobID, offerID int64
	cmd := &cobra.Command{
		Use:   "accept",
		Short: "Accept the latest offer and match the job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				job, err := e.AcceptOffer(ctx, jobID, offerID, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
	cmd.Flags().Int64Var(&jobID, "job", 0, "job id")
	cmd.Flags().Int64Var(&offerID, "offer", 0, "offer id")
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("offer")
	return cmd
}

func offerShowCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show an offer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				offer, err := e.GetOffer(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(offer)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "offer id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func offerListCmd() *cobra.Command {
	var jobID, applicationID, limit, offset int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List offers for a job or application",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				offers, err := e.ListOffers(ctx, jobID, applicationID, limit, offset)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(offers)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Round", "By", "Status", "Pay/Period", "Periods", "Share bps"})
				for _, o := range offers {
					tw.AppendRow(table.Row{o.ID, o.RoundIndex, o.Proposer, o.Status,
						o.Terms.Recurring.AmountPerPeriod, o.Terms.Recurring.TotalPeriods, o.Terms.ProfitShareBps})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&jobID, "job", 0, "job id")
	cmd.Flags().Int64Var(&applicationID, "application", 0, "application id")
	cmd.Flags().Int64Var(&limit, "limit", 50, "page size")
	cmd.Flags().Int64Var(&offset, "offset", 0, "page offset")
	_ = cmd.MarkFlagRequired("job")
	return cmd
}

// ---- agreements ----

func agreementCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agreement", Short: "Escrow agreements"}
	cmd.AddCommand(agreementActivateCmd())
	cmd.AddCommand(agreementShowCmd())
	cmd.AddCommand(agreementListCmd())
	cmd.AddCommand(agreementFinancialsCmd())
	cmd.AddCommand(agreementFundCmd("fund-runway", "Fund employer bond shortfall and runway",
		func(ctx context.Context, e *engine.Engine, id, amount int64) (domain.FundingState, error) {
			return e.FundEmployerRunway(ctx, id, actor(), amount)
		}))
	cmd.AddCommand(agreementFundCmd("fund-worker-bond", "Fund the worker bond",
		func(ctx context.Context, e *engine.Engine, id, amount int64) (domain.FundingState, error) {
			return e.FundWorkerBond(ctx, id, actor(), amount)
		}))
	cmd.AddCommand(agreementFundCmd("top-up", "Top up runway on an active agreement",
		func(ctx context.Context, e *engine.Engine, id, amount int64) (domain.FundingState, error) {
			return e.TopUpRunway(ctx, id, actor(), amount)
		}))
	cmd.AddCommand(agreementClaimPayCmd())
	cmd.AddCommand(agreementRevenueCmd())
	cmd.AddCommand(agreementTerminateCmd())
	cmd.AddCommand(agreementFinalizeCmd())
	return cmd
}

func agreementActivateCmd() *cobra.Command {
	var jobID, offerID int64
	var referrer string
	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Consume an accepted offer into an escrow agreement",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				agreement, err := e.ActivateAgreement(ctx, jobID, offerID, actor(), referrer)
				if err != nil {
					return err
				}
				return printJSONOrTable(agreement)
			})
		},
	}
	cmd.Flags().Int64Var(&jobID, "job", 0, "job id")
	cmd.Flags().Int64Var(&offerID, "offer", 0, "accepted offer id")
	cmd.Flags().StringVar(&referrer, "referrer", "", "referrer account for fee sharing")
	_ = cmd.MarkFlagRequired("job")
	_ = cmd.MarkFlagRequired("offer")
	return cmd
}

func agreementShowCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show an agreement",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				agreement, err := e.GetAgreement(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(agreement)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "agreement id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func agreementListCmd() *cobra.Command {
	var account, status string
	var limit, offset int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agreements",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				agreements, err := e.ListAgreements(ctx, account, status, limit, offset)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agreements)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Employer", "Worker", "Status", "Paid", "Total"})
				for _, a := range agreements {
					tw.AppendRow(table.Row{a.ID, a.Employer, a.Worker, a.Status, a.Terms.Recurring.PaidPeriods, a.Terms.Recurring.TotalPeriods})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "party filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().Int64Var(&limit, "limit", 50, "page size")
	cmd.Flags().Int64Var(&offset, "offset", 0, "page offset")
	return cmd
}

func agreementFinancialsCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "financials",
		Short: "Show funding and payout balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				fin, err := e.GetAgreementFinancials(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(fin)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "agreement id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func agreementFundCmd(use, short string, fund func(context.Context, *engine.Engine, int64, int64) (domain.FundingState, error)) *cobra.Command {
	var id, amount int64
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				funding, err := fund(ctx, e, id, amount)
				if err != nil {
					return err
				}
				return printJSONOrTable(funding)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "agreement id")
	cmd.Flags().Int64Var(&amount, "amount", 0, "amount to deposit")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func agreementClaimPayCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "claim-pay",
		Short: "Claim a due recurring pay period",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				claim, err := e.ClaimRecurringPay(ctx, id, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(claim)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "agreement id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func agreementRevenueCmd() *cobra.Command {
	var id, amount int64
	cmd := &cobra.Command{
		Use:   "revenue",
		Short: "Deposit revenue split between employer and worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				split, err := e.DepositRevenue(ctx, id, actor(), amount)
				if err != nil {
					return err
				}
				return printJSONOrTable(split)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "agreement id")
	cmd.Flags().Int64Var(&amount, "amount", 0, "gross revenue amount")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func agreementTerminateCmd() *cobra.Command {
	var id int64
	var side string
	cmd := &cobra.Command{
		Use:   "terminate",
		Short: "Start the notice period for termination",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				agreement, err := e.RequestTerminate(ctx, id, actor(), side)
				if err != nil {
					return err
				}
				return printJSONOrTable(agreement)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "agreement id")
	cmd.Flags().StringVar(&side, "side", "", "terminating side: employer or worker")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("side")
	return cmd
}

func agreementFinalizeCmd() *cobra.Command {
	var id int64
	cmd := &cobra.Command{
		Use:   "finalize",
		Short: "Finalize termination after the notice period",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				agreement, err := e.FinalizeTerminate(ctx, id, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(agreement)
			})
		},
	}
	cmd.Flags().Int64Var(&id, "id", 0, "agreement id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// ---- milestones ----

func milestoneCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "milestone", Short: "Milestone settlement"}
	cmd.AddCommand(milestoneListCmd())
	cmd.AddCommand(milestoneSubmitCmd())
	cmd.AddCommand(milestoneApproveCmd())
	cmd.AddCommand(milestoneRejectCmd())
	cmd.AddCommand(milestoneAutoApproveCmd())
	return cmd
}

func milestoneListCmd() *cobra.Command {
	var agreementID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List milestones for an agreement",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				milestones, err := e.ListMilestones(ctx, agreementID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(milestones)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Amount", "State", "Due", "Review deadline"})
				for _, m := range milestones {
					tw.AppendRow(table.Row{m.ID, m.Amount, m.State, m.DueTS, m.ReviewDeadline})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&agreementID, "agreement", 0, "agreement id")
	_ = cmd.MarkFlagRequired("agreement")
	return cmd
}

func milestoneSubmitCmd() *cobra.Command {
	var agreementID, id int64
	var proofURI string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit milestone work for review",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				milestone, err := e.SubmitMilestone(ctx, agreementID, id, actor(), proofURI)
				if err != nil {
					return err
				}
				return printJSONOrTable(milestone)
			})
		},
	}
	cmd.Flags().Int64Var(&agreementID, "agreement", 0, "agreement id")
	cmd.Flags().Int64Var(&id, "id", 0, "milestone id")
	cmd.Flags().StringVar(&proofURI, "proof-uri", "", "deliverable proof URI")
	_ = cmd.MarkFlagRequired("agreement")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func milestoneApproveCmd() *cobra.Command {
	var agreementID, id int64
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Approve and pay a submitted milestone",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				milestone, err := e.ApproveMilestone(ctx, agreementID, id, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(milestone)
			})
		},
	}
	cmd.Flags().Int64Var(&agreementID, "agreement", 0, "agreement id")
	cmd.Flags().Int64Var(&id, "id", 0, "milestone id")
	_ = cmd.MarkFlagRequired("agreement")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func milestoneRejectCmd() *cobra.Command {
	var agreementID, id int64
	var reasonURI string
	cmd := &cobra.Command{
		Use:   "reject",
		Short: "Reject a submitted milestone",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				milestone, err := e.RejectMilestone(ctx, agreementID, id, actor(), reasonURI)
				if err != nil {
					return err
				}
				return printJSONOrTable(milestone)
			})
		},
	}
	cmd.Flags().Int64Var(&agreementID, "agreement", 0, "agreement id")
	cmd.Flags().Int64Var(&id, "id", 0, "milestone id")
	cmd.Flags().StringVar(&reasonURI, "reason-uri", "", "rejection reason URI")
	_ = cmd.MarkFlagRequired("agreement")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func milestoneAutoApproveCmd() *cobra.Command {
	var agreementID, id int64
	cmd := &cobra.Command{
		Use:   "auto-approve",
		Short: "Settle a submitted milestone past its review deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				milestone, err := e.AutoApproveMilestone(ctx, agreementID, id, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(milestone)
			})
		},
	}
	cmd.Flags().Int64Var(&agreementID, "agreement", 0, "agreement id")
	cmd.Flags().Int64Var(&id, "id", 0, "milestone id")
	_ = cmd.MarkFlagRequired("agreement")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// ---- accounts ----

func accountCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "account", Short: "Balances and reputation"}
	cmd.AddCommand(accountClaimableCmd())
	cmd.AddCommand(accountWithdrawCmd())
	cmd.AddCommand(accountWithdrawalsCmd())
	cmd.AddCommand(accountReputationCmd())
	return cmd
}

func accountClaimableCmd() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "claimable",
		Short: "Show withdrawable balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if account == "" {
					account = actor()
				}
				balance, err := e.GetClaimable(ctx, account)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"account": account, "balance": balance})
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account (defaults to --actor)")
	return cmd
}

func accountWithdrawCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "withdraw",
		Short: "Withdraw the acting account's claimable balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				amount, err := e.WithdrawClaimable(ctx, actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"account": actor(), "amount": amount})
			})
		},
	}
	return cmd
}

func accountWithdrawalsCmd() *cobra.Command {
	var account string
	var limit, offset int64
	cmd := &cobra.Command{
		Use:   "withdrawals",
		Short: "List past withdrawals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if account == "" {
					account = actor()
				}
				withdrawals, err := e.ListWithdrawals(ctx, account, limit, offset)
				if err != nil {
					return err
				}
				return printJSONOrTable(withdrawals)
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account (defaults to --actor)")
	cmd.Flags().Int64Var(&limit, "limit", 50, "page size")
	cmd.Flags().Int64Var(&offset, "offset", 0, "page offset")
	return cmd
}

func accountReputationCmd() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "reputation",
		Short: "Show reputation snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if account == "" {
					account = actor()
				}
				snapshot, err := e.GetReputation(ctx, account)
				if err != nil {
					return err
				}
				return printJSONOrTable(snapshot)
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account (defaults to --actor)")
	return cmd
}

// ---- stats / params / admin / log ----

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "stats", Short: "Protocol counters"}
	cmd.AddCommand(&cobra.Command{
		Use:   "board",
		Short: "Job board counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				stats, err := e.BoardStats(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "protocol",
		Short: "Escrow counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				stats, err := e.ProtocolStats(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(stats)
			})
		},
	})
	return cmd
}

func paramsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "params", Short: "Protocol parameters"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the live parameter set",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return printJSONOrTable(e.Params())
			})
		},
	})
	cmd.AddCommand(paramsExportCmd())
	return cmd
}

func paramsExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export parameters as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				params := e.Params()
				data, err := params.ToYAML()
				if err != nil {
					return err
				}
				if out == "" {
					fmt.Print(string(data))
					return nil
				}
				return os.WriteFile(out, data, 0o644)
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output file (stdout when empty)")
	return cmd
}

func adminCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "admin", Short: "Owner-gated parameter changes"}
	cmd.AddCommand(adminPauseCmd())
	cmd.AddCommand(adminSetCmd("set-owner", "Transfer protocol ownership",
		func(ctx context.Context, e *engine.Engine, value string) (config.Params, error) {
			return e.SetOwner(ctx, actor(), value)
		}))
	cmd.AddCommand(adminSetCmd("set-treasury", "Set the fee treasury account",
		func(ctx context.Context, e *engine.Engine, value string) (config.Params, error) {
			return e.SetTreasury(ctx, actor(), value)
		}))
	cmd.AddCommand(adminSetInt64Cmd("set-protocol-fee", "Set the protocol fee (bps)",
		func(ctx context.Context, e *engine.Engine, value int64) (config.Params, error) {
			return e.SetProtocolFeeBps(ctx, actor(), value)
		}))
	cmd.AddCommand(adminSetInt64Cmd("set-referral-share", "Set the referral share of fees (bps)",
		func(ctx context.Context, e *engine.Engine, value int64) (config.Params, error) {
			return e.SetReferralShareBps(ctx, actor(), value)
		}))
	cmd.AddCommand(adminSetInt64Cmd("set-min-uptime", "Set the minimum uptime score",
		func(ctx context.Context, e *engine.Engine, value int64) (config.Params, error) {
			return e.SetMinUptimeScore(ctx, actor(), value)
		}))
	cmd.AddCommand(adminSetInt64Cmd("set-max-counters", "Set the counter-offer limit per application",
		func(ctx context.Context, e *engine.Engine, value int64) (config.Params, error) {
			return e.SetMaxCounteroffersPerApplication(ctx, actor(), value)
		}))
	cmd.AddCommand(adminSetInt64Cmd("set-max-invites", "Set the invite limit per job",
		func(ctx context.Context, e *engine.Engine, value int64) (config.Params, error) {
			return e.SetMaxInvitesPerJob(ctx, actor(), value)
		}))
	cmd.AddCommand(adminRiskCmd())
	return cmd
}

func adminPauseCmd() *cobra.Command {
	var paused bool
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause or resume state-changing operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				params, err := e.SetPaused(ctx, actor(), paused)
				if err != nil {
					return err
				}
				return printJSONOrTable(params)
			})
		},
	}
	cmd.Flags().BoolVar(&paused, "paused", true, "pause when true, resume when false")
	return cmd
}

func adminSetCmd(use, short string, set func(context.Context, *engine.Engine, string) (config.Params, error)) *cobra.Command {
	var value string
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				params, err := set(ctx, e, value)
				if err != nil {
					return err
				}
				return printJSONOrTable(params)
			})
		},
	}
	cmd.Flags().StringVar(&value, "value", "", "new value")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func adminSetInt64Cmd(use, short string, set func(context.Context, *engine.Engine, int64) (config.Params, error)) *cobra.Command {
	var value int64
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				params, err := set(ctx, e, value)
				if err != nil {
					return err
				}
				return printJSONOrTable(params)
			})
		},
	}
	cmd.Flags().Int64Var(&value, "value", 0, "new value")
	_ = cmd.MarkFlagRequired("value")
	return cmd
}

func adminRiskCmd() *cobra.Command {
	var rp engine.RiskParams
	cmd := &cobra.Command{
		Use:   "set-risk-params",
		Short: "Set bond, runway, notice and penalty parameters",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				params, err := e.SetRiskParams(ctx, actor(), rp)
				if err != nil {
					return err
				}
				return printJSONOrTable(params)
			})
		},
	}
	cmd.Flags().Int64Var(&rp.MinEmployerBond, "min-employer-bond", 0, "minimum employer bond")
	cmd.Flags().Int64Var(&rp.MinWorkerBond, "min-worker-bond", 0, "minimum worker bond")
	cmd.Flags().Int64Var(&rp.MinRunwayPeriods, "min-runway-periods", 0, "reserved runway in periods")
	cmd.Flags().Int64Var(&rp.DefaultNoticeSeconds, "notice-seconds", 0, "termination notice length")
	cmd.Flags().Int64Var(&rp.TerminationPenaltyBps, "penalty-bps", 0, "bond slash on unilateral termination")
	cmd.Flags().Int64Var(&rp.MilestoneReviewTimeoutSeconds, "review-timeout-seconds", 0, "fallback milestone review window")
	cmd.Flags().Int64Var(&rp.MaxMilestonesPerAgreement, "max-milestones", 0, "milestone cap per agreement")
	return cmd
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var afterID, limit int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail protocol events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				events, err := e.ListEvents(ctx, afterID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, fmt.Sprintf("%s/%d", evt.EntityKind, evt.EntityID), evt.Actor})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&afterID, "after", 0, "only events with id greater than this")
	cmd.Flags().Int64Var(&limit, "n", 50, "number of events")
	return cmd
}

// ---- serve ----

func serveCmd() *cobra.Command {
	var addr string
	var devLogin bool
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
			params, err := engine.LoadParams(cmd.Context(), conn, config.Default(actor()))
			if err != nil {
				return err
			}
			e := engine.New(conn, params, oracle.FromConfig(params.Oracle))
			authCfg := server.AuthConfig{
				JWTSecret: os.Getenv("HIRELINE_JWT_SECRET"),
				DevLogin:  devLogin,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("HIRELINE_JWT_SECRET is required for bearer auth")
			}
			srv := server.New(e, server.Config{Auth: authCfg})
			server.StartWebhookDispatcher(e, params.Webhooks)
			httpSrv := &http.Server{Addr: addr, Handler: srv.Handler()}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				httpSrv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Hireline API on http://%s/v0 (OpenAPI at /v0/openapi.json, Swagger UI at /docs)\n", addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "enable the unauthenticated token mint endpoint")
	return cmd
}

// ---- output ----

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
