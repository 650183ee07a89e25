package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrCodeEU/rollcall/pkg/attendance"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage template encryption keys",
	}
	cmd.AddCommand(keysListCmd(), keysRotateCmd(), keysResealCmd())
	return cmd
}

func keysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := openKeys(cfg)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "KEY ID\tCREATED\tCURRENT")
			for _, k := range keys.Keys() {
				current := ""
				if k.Current {
					current = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", k.ID, k.CreatedAt.Format("2006-01-02 15:04:05"), current)
			}
			return w.Flush()
		},
	}
}

func keysRotateCmd() *cobra.Command {
	var noReseal bool

	cmd := &cobra.Command{
		Use:   "rotate",
		Short: "Create a new current key",
		Long: `Create a new key and make it current. Old keys are kept so existing
templates still open. Stored templates are resealed under the new key unless
--no-reseal is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if noReseal {
				keys, err := openKeys(cfg)
				if err != nil {
					return err
				}
				id, err := keys.Rotate()
				if err != nil {
					return err
				}
				fmt.Printf("Rotated to key %s\n", id)
				return nil
			}

			deps, err := openVault(ctx, cfg)
			if err != nil {
				return err
			}
			defer deps.Close()

			r := &attendance.Resealer{Keys: deps.keys, Vault: deps.vault, Store: deps.store, Audit: deps.audit}
			res, err := r.RotateAndReseal(ctx)
			if res.NewKeyID != "" {
				fmt.Printf("Rotated %s -> %s, resealed %d template(s)\n", res.OldKeyID, res.NewKeyID, res.Resealed)
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&noReseal, "no-reseal", false, "Only rotate the key")
	return cmd
}

func keysResealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reseal",
		Short: "Re-encrypt stored templates under the current key",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			deps, err := openVault(ctx, cfg)
			if err != nil {
				return err
			}
			defer deps.Close()

			r := &attendance.Resealer{Keys: deps.keys, Vault: deps.vault, Store: deps.store, Audit: deps.audit}
			n, err := r.Reseal(ctx)
			fmt.Printf("Resealed %d template(s) under key %s\n", n, deps.keys.Current().ID)
			return err
		},
	}
}
