package main

import (
	"fmt"
	"sort"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/MrCodeEU/rollcall/pkg/attendance"
	"github.com/MrCodeEU/rollcall/pkg/gallery"
)

func enrollCmd() *cobra.Command {
	var (
		branch, year, section string
		replace               bool
		consentFile           string
	)

	cmd := &cobra.Command{
		Use:   "enroll",
		Short: "Seal reference images into the template vault",
		Long: `Extract one template per reference image, encrypt it under the current key
and store it as a template record. Enrollment counts as a verification.

Subjects are only enrolled when face recognition consent is on record. Pass
--consent with a file listing one consenting subject per line; without it
every subject is treated as consenting.

Examples:
  rollcall enroll --branch CSE --year 2 --section A
  rollcall enroll --consent consents.txt --replace`,
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

			consent, err := consentGate(consentFile)
			if err != nil {
				return err
			}

			builder := newBuilder(cfg, ext)
			bar := progressbar.NewOptions(-1,
				progressbar.OptionSetDescription("Extracting templates"),
				progressbar.OptionShowCount(),
				progressbar.OptionShowIts(),
				progressbar.OptionSetItsString("images"),
			)
			builder.Progress = func() { _ = bar.Add(1) }

			e := &attendance.Enroller{
				Builder:        builder,
				Vault:          deps.vault,
				Store:          deps.store,
				Consent:        consent,
				Audit:          deps.audit,
				Policy:         deps.policy,
				ValidityDays:   cfg.Policy.ValidityDays,
				DefaultQuality: cfg.Policy.DefaultQualityScore,
				Replace:        replace,
			}

			res, err := e.Enroll(ctx, gallery.DirFS(cfg.Gallery.Root), gallery.ClassPath(branch, year, section))
			_ = bar.Finish()
			fmt.Println()
			if err != nil {
				return err
			}

			fmt.Printf("Enrolled %d subject(s) under key %s\n", len(res.Enrolled), deps.keys.Current().ID)
			if len(res.Denied) > 0 {
				fmt.Printf("Skipped without consent: %v\n", res.Denied)
			}
			if len(res.Failed) > 0 {
				subjects := make([]string, 0, len(res.Failed))
				for s := range res.Failed {
					subjects = append(subjects, s)
				}
				sort.Strings(subjects)
				fmt.Println("Failed:")
				for _, s := range subjects {
					fmt.Printf("  - %s: %v\n", s, res.Failed[s])
				}
			}
			printReport(res.Report)
			return nil
		},
	}

	cmd.Flags().StringVar(&branch, "branch", "", "Branch below the gallery root")
	cmd.Flags().StringVar(&year, "year", "", "Year below the branch")
	cmd.Flags().StringVar(&section, "section", "", "Section below the year")
	cmd.Flags().BoolVar(&replace, "replace", false, "Deactivate existing templates of each subject")
	cmd.Flags().StringVar(&consentFile, "consent", "", "File listing subjects with face recognition consent")
	return cmd
}
