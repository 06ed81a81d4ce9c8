package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/3leaps/apkfetch/internal/apk"
	"github.com/3leaps/apkfetch/internal/model"
	"github.com/3leaps/apkfetch/internal/verify"
)

func newFingerprintCommand(a *app) *cobra.Command {
	var pkg string
	cmd := &cobra.Command{
		Use:   "fingerprint <file.apk>",
		Short: "Print the signing certificate fingerprints of an APK",
		Long: `Fingerprint prints the SHA-256 fingerprint of every signing certificate of an
APK file. With --package the file is also checked against the fingerprint pinned
for that catalog entry.`,
		Args: args(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, files []string) error {
			if pkg != "" {
				return a.fingerprintPinned(cmd.Context(), files[0], pkg)
			}
			certs, err := apk.Signers(files[0])
			if err != nil {
				return err
			}
			for _, der := range certs {
				fmt.Fprintln(a.stdout, verify.Fingerprint(der))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&pkg, "package", "p", "", "check against the pinned fingerprint of this catalog entry")
	return cmd
}

func (a *app) fingerprintPinned(ctx context.Context, path, name string) error {
	id, err := a.lookup(name)
	if err != nil {
		return err
	}
	res, err := a.packageVerifier().CheckFile(ctx, path, id)
	if err != nil {
		return err
	}
	if !res.Valid {
		return fmt.Errorf("%w: %s is signed by %s, expected %s", model.ErrUntrustedArtifact, path, res.Hex, id.SignatureHash)
	}
	fmt.Fprintf(a.stdout, "%s\tverified for %s\n", res.Hex, id.Name)
	return nil
}

func newListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the packages of the catalog",
		Args:  args(cobra.NoArgs),
		RunE: func(*cobra.Command, []string) error {
			w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tPACKAGE\tSOURCE\tABIS\tCERTIFICATE")
			for _, id := range a.catalog.All() {
				abis := make([]string, len(id.SupportedABIs))
				for i, abi := range id.SupportedABIs {
					abis[i] = string(abi)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", id.Name, id.PackageName,
					sourceName(id.Source), strings.Join(abis, ","), verify.ShortFingerprint(id.SignatureHash))
			}
			return w.Flush()
		},
	}
}

func sourceName(s model.Source) string {
	if s.Type == model.SourceGitLab && s.ProjectID != 0 {
		return fmt.Sprintf("gitlab:%d", s.ProjectID)
	}
	return fmt.Sprintf("%s:%s/%s", s.Type, s.Owner, s.Repo)
}

func newCacheCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage cached release metadata and downloads",
		Args:  args(cobra.NoArgs),
	}
	var downloads bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget cached release metadata",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.network(cmd.Context()); err != nil {
				return err
			}
			n, err := a.releases.InvalidateAll()
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "removed %d cached releases\n", n)
			if downloads {
				if err := os.RemoveAll(a.cfg.DownloadDir()); err != nil {
					return fmt.Errorf("remove downloads: %w", err)
				}
				fmt.Fprintf(a.stdout, "removed %s\n", a.cfg.DownloadDir())
			}
			return nil
		},
	}
	clearCmd.Flags().BoolVar(&downloads, "downloads", false, "also delete downloaded APKs")
	cmd.AddCommand(clearCmd)
	return cmd
}
