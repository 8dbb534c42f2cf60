package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/TobiSchelling/matchwire/internal/config"
	"github.com/TobiSchelling/matchwire/internal/database"
	"github.com/TobiSchelling/matchwire/internal/pipeline"
	"github.com/TobiSchelling/matchwire/internal/rules"
)

// --- rules ---

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List and toggle competition rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured competition rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		rm, err := rules.NewManager(cfg.Competitions)
		if err != nil {
			return err
		}
		for _, r := range rm.Rules() {
			state := "off"
			if r.Enabled {
				state = "on"
			}
			publish := "review"
			if r.Analysis.AutoPublish {
				publish = "auto"
			}
			fmt.Printf("  %-3s %-20s %-6s %-6s min %2.0f  %s\n", state, r.ID, r.Priority, publish,
				r.Analysis.MinConfidence, strings.Join(r.Criteria.Leagues, ", "))
		}
		stats := rm.Stats()
		fmt.Printf("\n%d rules, %d enabled\n", stats.Total, stats.Enabled)
		return nil
	},
}

func toggleRule(enabled bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.SetCompetitionEnabled(cfgPath, args[0], enabled); err != nil {
			return err
		}
		verb := "Disabled"
		if enabled {
			verb = "Enabled"
		}
		fmt.Printf("%s %s in %s\n", verb, args[0], cfgPath)
		return nil
	}
}

func init() {
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(&cobra.Command{
		Use:   "enable [id]",
		Short: "Enable a competition rule",
		Args:  cobra.ExactArgs(1),
		RunE:  toggleRule(true),
	})
	rulesCmd.AddCommand(&cobra.Command{
		Use:   "disable [id]",
		Short: "Disable a competition rule",
		Args:  cobra.ExactArgs(1),
		RunE:  toggleRule(false),
	})
}

// --- review ---

var (
	reviewer  string
	reviewAll bool
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Work the manual review queue",
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open review items",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		status := database.ReviewOpen
		if reviewAll {
			status = ""
		}
		items, err := db.ListReviewItems(status)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			fmt.Println("Nothing waiting for review.")
			return nil
		}
		for _, item := range items {
			label := item.FixtureID
			if f, err := db.GetFixture(item.FixtureID); err == nil && f != nil {
				label = f.Label()
			}
			fmt.Printf("  %s  %-40s %5.1f  %-8s expires %s\n", item.ID, label, item.Overall, item.Status,
				item.ExpiresAt.Local().Format("Mon 02 Jan 15:04"))
			if item.Reason != "" {
				fmt.Printf("      %s\n", item.Reason)
			}
		}
		return nil
	},
}

// withPublisher runs fn with only the publication worker started and waits
// for the work fn queued to drain.
func withPublisher(ctx context.Context, fn func(context.Context, *pipeline.Pipeline) error) error {
	return withPipeline(ctx, func(ctx context.Context, p *pipeline.Pipeline) error {
		pub := p.Publication()
		if err := pub.Start(ctx); err != nil {
			return err
		}
		defer pub.Stop()
		if err := fn(ctx, p); err != nil {
			return err
		}
		waitIdle(ctx, pub.Idle)
		return nil
	})
}

var reviewApproveCmd = &cobra.Command{
	Use:   "approve [id]",
	Short: "Approve a review item and publish it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPublisher(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) error {
			if err := p.Review().Approve(ctx, args[0], reviewer); err != nil {
				return err
			}
			fmt.Printf("Approved %s\n", args[0])
			return nil
		})
	},
}

var reviewRejectCmd = &cobra.Command{
	Use:   "reject [id]",
	Short: "Reject a review item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) error {
			if err := p.Review().Reject(ctx, args[0], reviewer); err != nil {
				return err
			}
			fmt.Printf("Rejected %s\n", args[0])
			return nil
		})
	},
}

func init() {
	reviewListCmd.Flags().BoolVar(&reviewAll, "all", false, "Include resolved and expired items")
	reviewCmd.PersistentFlags().StringVar(&reviewer, "as", "admin", "Reviewer name recorded on the item")

	reviewCmd.AddCommand(reviewListCmd)
	reviewCmd.AddCommand(reviewApproveCmd)
	reviewCmd.AddCommand(reviewRejectCmd)
}

// --- publications ---

var (
	pubStatus string
	pubLimit  uint64
)

var publicationsCmd = &cobra.Command{
	Use:     "publications",
	Aliases: []string{"pubs"},
	Short:   "Inspect and manage publications",
}

var publicationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List publications, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openDB()
		if err != nil {
			return err
		}
		defer db.Close()

		pubs, err := db.ListPublications(database.PublicationFilter{Status: pubStatus, Limit: pubLimit})
		if err != nil {
			return err
		}
		if len(pubs) == 0 {
			fmt.Println("No publications.")
			return nil
		}
		for _, p := range pubs {
			when := p.CreatedAt
			switch {
			case p.PublishedAt != nil:
				when = *p.PublishedAt
			case p.ScheduledFor != nil:
				when = *p.ScheduledFor
			}
			title := p.FixtureID
			if p.Snapshot != nil {
				title = p.Snapshot.Title
			}
			fmt.Printf("  %s  %-10s %-6s %s  %s\n", p.ID, p.Status, p.Type,
				when.Local().Format("Mon 02 Jan 15:04"), title)
		}
		return nil
	},
}

var publishCmd = &cobra.Command{
	Use:   "publish [fixture-id]",
	Short: "Publish a fixture's latest analysis now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPublisher(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) error {
			return p.Publication().TriggerPublication(ctx, args[0], "admin")
		})
	},
}

var publicationsCancelCmd = &cobra.Command{
	Use:   "cancel [id]",
	Short: "Cancel a scheduled publication",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) error {
			if err := p.Publication().Cancel(ctx, args[0], "admin"); err != nil {
				return err
			}
			fmt.Printf("Cancelled %s\n", args[0])
			return nil
		})
	},
}

var publicationsAuditCmd = &cobra.Command{
	Use:   "audit [id]",
	Short: "Show a publication's audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPipeline(cmd.Context(), func(ctx context.Context, p *pipeline.Pipeline) error {
			trail, err := p.Publication().AuditTrail(args[0])
			if err != nil {
				return err
			}
			for _, e := range trail {
				fmt.Printf("  %3d  %s  %-10s %-8s %s\n", e.Seq, e.Timestamp.Local().Format(time.DateTime),
					e.Action, e.Actor, e.Details)
			}
			return nil
		})
	},
}

func init() {
	publicationsListCmd.Flags().StringVar(&pubStatus, "status", "", "Only publications with this status")
	publicationsListCmd.Flags().Uint64Var(&pubLimit, "limit", 20, "Maximum number of publications")

	publicationsCmd.AddCommand(publicationsListCmd)
	publicationsCmd.AddCommand(publishCmd)
	publicationsCmd.AddCommand(publicationsCancelCmd)
	publicationsCmd.AddCommand(publicationsAuditCmd)
}
