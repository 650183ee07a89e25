package main

import (
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/MrCodeEU/rollcall/pkg/gallery"
)

func galleryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gallery",
		Short: "Inspect reference galleries",
	}
	cmd.AddCommand(galleryCheckCmd())
	return cmd
}

func galleryCheckCmd() *cobra.Command {
	var branch, year, section string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Build a gallery from reference images and report problems",
		Long: `Build the reference gallery exactly as 'take' would and list every image
that was skipped, every label defined twice and every image with more than
one face.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ext, err := openExtractor(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = ext.Close() }()

			builder := newBuilder(cfg, ext)
			bar := progressbar.NewOptions(-1,
				progressbar.OptionSetDescription("Checking references"),
				progressbar.OptionShowCount(),
				progressbar.OptionSetItsString("images"),
			)
			builder.Progress = func() { _ = bar.Add(1) }

			g, report, err := builder.Build(cmd.Context(), gallery.DirFS(cfg.Gallery.Root), gallery.ClassPath(branch, year, section))
			_ = bar.Finish()
			fmt.Println()
			if err != nil {
				return err
			}

			fmt.Printf("Gallery: %d label(s), %d-value templates\n", g.Len(), g.Dim())
			printReport(report)
			return nil
		},
	}

	cmd.Flags().StringVar(&branch, "branch", "", "Branch below the gallery root")
	cmd.Flags().StringVar(&year, "year", "", "Year below the branch")
	cmd.Flags().StringVar(&section, "section", "", "Section below the year")
	return cmd
}

func printReport(r *gallery.Report) {
	if r == nil {
		return
	}
	fmt.Printf("Scanned %d image(s), %d skipped\n", r.Scanned, len(r.Skipped))
	for _, s := range r.Skipped {
		fmt.Printf("  - %s: %v\n", s.Path, s.Err)
	}
	for _, l := range r.Duplicates {
		fmt.Printf("  duplicate label %q, the last image wins\n", l)
	}
	for _, l := range r.MultiFace {
		fmt.Printf("  %q has more than one face, the first was used\n", l)
	}
}
