package main

import (
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrCodeEU/rollcall/pkg/attendance"
	"github.com/MrCodeEU/rollcall/pkg/camera"
	"github.com/MrCodeEU/rollcall/pkg/compliance"
	"github.com/MrCodeEU/rollcall/pkg/config"
	"github.com/MrCodeEU/rollcall/pkg/gallery"
	"github.com/MrCodeEU/rollcall/pkg/logging"
)

func takeCmd() *cobra.Command {
	var (
		branch, year, section string
		framesDir             string
		source                string
		preview               bool
		markedBy              string
		consentFile           string
	)

	cmd := &cobra.Command{
		Use:   "take",
		Short: "Take attendance from the camera",
		Long: `Build the reference gallery, watch the camera and mark every recognized
student present. Stop the session with Ctrl+C, or press s or q in the preview window.

With --source vault only subjects with face recognition consent are loaded.
Pass --consent with a file listing one consenting subject per line; without it
every enrolled subject is treated as consenting.

Examples:
  # Class CSE, year 2, section A from the image tree
  rollcall take --branch CSE --year 2 --section A

  # Use templates from the vault instead of images
  rollcall take --source vault --consent consents.txt

  # Replay a directory of still frames instead of the camera
  rollcall take --frames ./captured`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if source == "" {
				source = cfg.Gallery.Source
			}

			src, err := frameSource(framesDir, cfg)
			if err != nil {
				return err
			}

			ext, err := openExtractor(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = ext.Close() }()

			svc := &attendance.Service{
				Extractor: ext,
				Audit:     compliance.NewLogSink(),
				Tolerance: cfg.Recognition.Tolerance,
				Downscale: cfg.Camera.Downscale,
				MarkedBy:  markedBy,
			}
			sess := attendance.Session{Source: src}

			switch source {
			case config.SourceVault:
				consent, err := consentGate(consentFile)
				if err != nil {
					return err
				}
				deps, err := openVault(ctx, cfg)
				if err != nil {
					return err
				}
				defer deps.Close()
				svc.Attendance = deps.store
				svc.Vault = &attendance.VaultGallery{
					Store:   deps.store,
					Vault:   deps.vault,
					Policy:  deps.policy,
					Consent: consent,
					Audit:   svc.Audit,
				}
			default:
				store, err := openRecords(ctx, cfg)
				if err != nil {
					return err
				}
				defer func() { _ = store.Close() }()
				svc.Attendance = store
				svc.Images = newBuilder(cfg, ext)
				sess.FS = gallery.DirFS(cfg.Gallery.Root)
				sess.Root = gallery.ClassPath(branch, year, section)
			}

			if preview {
				win := newPreview("rollcall", stop)
				defer win.Close()
				svc.Overlay = win
			}

			sum, err := svc.TakeAttendance(ctx, sess)
			if sum != nil {
				printSummary(sum)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&branch, "branch", "", "Branch below the gallery root")
	cmd.Flags().StringVar(&year, "year", "", "Year below the branch")
	cmd.Flags().StringVar(&section, "section", "", "Section below the year")
	cmd.Flags().StringVar(&framesDir, "frames", "", "Replay still images from this directory instead of the camera")
	cmd.Flags().StringVar(&source, "source", "", "Reference source: images or vault (default from config)")
	cmd.Flags().BoolVar(&preview, "preview", false, "Show an annotated preview window")
	cmd.Flags().StringVar(&markedBy, "marked-by", os.Getenv("USER"), "Name recorded with each mark")
	cmd.Flags().StringVar(&consentFile, "consent", "", "File listing subjects with face recognition consent (vault source)")
	return cmd
}

func frameSource(framesDir string, c *config.Config) (camera.Source, error) {
	if framesDir == "" {
		return camera.NewDevice(c.Camera.Device, c.Camera.Width, c.Camera.Height), nil
	}

	entries, err := os.ReadDir(framesDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frames directory: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() {
			paths = append(paths, e.Name())
		}
	}
	sort.Strings(paths)
	logging.Debugf("Replaying %d frame(s) from %s", len(paths), framesDir)
	return camera.NewReplay(os.DirFS(framesDir), paths...), nil
}

func printSummary(sum *attendance.Summary) {
	fmt.Printf("Session %s: %s after %d frame(s)\n", sum.SessionID, sum.State, sum.Frames)
	if sum.ImageReport != nil && len(sum.ImageReport.Skipped) > 0 {
		fmt.Printf("  %d reference image(s) skipped\n", len(sum.ImageReport.Skipped))
	}
	if sum.VaultReport != nil && len(sum.VaultReport.Skipped) > 0 {
		fmt.Printf("  %d stored template(s) skipped\n", len(sum.VaultReport.Skipped))
	}
	if len(sum.Present) == 0 {
		fmt.Println("No students recognized.")
		return
	}
	fmt.Printf("Present (%d, %d newly marked):\n", len(sum.Present), sum.NewlyMarked)
	for _, s := range sum.Present {
		fmt.Printf("  - %s\n", s)
	}
}

