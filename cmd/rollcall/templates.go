package main

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrCodeEU/rollcall/pkg/attendance"
	"github.com/MrCodeEU/rollcall/pkg/gallery"
	"github.com/MrCodeEU/rollcall/pkg/policy"
	"github.com/MrCodeEU/rollcall/pkg/records"
)

func templatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "Inspect, re-verify and retire stored templates",
	}
	cmd.AddCommand(templatesListCmd(), templatesVerifyCmd(), templatesDeactivateCmd())
	return cmd
}

func templatesListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [subject]",
		Short: "List active templates, or every template of one subject",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openRecords(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			var list []records.Template
			if len(args) == 1 {
				list, err = store.TemplatesForSubject(ctx, args[0])
			} else {
				list, err = store.ActiveTemplates(ctx)
			}
			if err != nil {
				return err
			}

			p := newPolicy(cfg)
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SUBJECT\tTEMPLATE\tKEY ID\tSTATUS\tUSES\tSTATE")
			for _, t := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					t.Subject, t.ID, t.Envelope.KeyID, t.Policy.VerificationStatus, t.Policy.UsageCount, templateState(p, t.Policy))
			}
			return w.Flush()
		},
	}
}

// templateState describes what the lifecycle policy allows for r.
func templateState(p *policy.Policy, r policy.Record) string {
	switch {
	case !r.Active:
		return "inactive"
	case !p.IsValid(r):
		return "expired"
	case !p.Usable(r):
		return "needs reverification"
	default:
		return "usable"
	}
}

func templatesVerifyCmd() *cobra.Command {
	var (
		branch, year, section string
		all                   bool
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Re-verify stored templates against fresh reference images",
		Long: `Extract a template from each fresh reference image and compare it with the
subject's stored templates. A stored template within the recognition tolerance
is marked verified and can be used again; one that no longer matches is marked
failed and is left out of vault galleries until it is re-verified.

Only templates that need reverification are checked unless --all is given.

Examples:
  rollcall templates verify --branch CSE --year 2 --section A
  rollcall templates verify --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			ext, err := openExtractor(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = ext.Close() }()

			deps, err := openVault(ctx, cfg)
			if err != nil {
				return err
			}
			defer deps.Close()

			v := &attendance.Verifier{
				Builder:   newBuilder(cfg, ext),
				Vault:     deps.vault,
				Store:     deps.store,
				Audit:     deps.audit,
				Policy:    deps.policy,
				Tolerance: cfg.Recognition.Tolerance,
				Quality:   cfg.Policy.DefaultQualityScore,
				All:       all,
			}
			res, err := v.Verify(ctx, gallery.DirFS(cfg.Gallery.Root), gallery.ClassPath(branch, year, section))
			if res != nil {
				fmt.Printf("Verified %d, rejected %d, still current %d\n", len(res.Verified), len(res.Rejected), len(res.Current))
				if len(res.Missing) > 0 {
					fmt.Printf("No valid template for: %v\n", res.Missing)
				}
				if len(res.Failed) > 0 {
					ids := make([]string, 0, len(res.Failed))
					for id := range res.Failed {
						ids = append(ids, id)
					}
					sort.Strings(ids)
					fmt.Println("Failed:")
					for _, id := range ids {
						fmt.Printf("  - %s: %v\n", id, res.Failed[id])
					}
				}
				printReport(res.Report)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&branch, "branch", "", "Branch below the gallery root")
	cmd.Flags().StringVar(&year, "year", "", "Year below the branch")
	cmd.Flags().StringVar(&section, "section", "", "Section below the year")
	cmd.Flags().BoolVar(&all, "all", false, "Also re-verify templates that are still usable")
	return cmd
}

func templatesDeactivateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deactivate <subject>",
		Short: "Retire every active template of a subject",
		Long: `Deactivate every active template of a subject, for example after consent
was withdrawn. Deactivated templates are never loaded into a gallery.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openRecords(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			n, err := store.Deactivate(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Deactivated %d template(s) of %s\n", n, args[0])
			return nil
		},
	}
}
