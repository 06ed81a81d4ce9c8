package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/3leaps/apkfetch/internal/verify"
	"github.com/3leaps/apkfetch/pkg/update"
)

func newInstallCommand(a *app) *cobra.Command {
	var (
		force bool
		quiet bool
	)
	cmd := &cobra.Command{
		Use:   "install <package>",
		Short: "Download, verify and install the latest release of a package",
		Long: `Install downloads the latest release, checks its signing certificate against
the pinned fingerprint, installs it with the configured backend and checks the
installed package again.

Backends: session (pm install sessions), root (su), broker (Shizuku rish) and
intent (requires a foreground user interface).`,
		Args: args(cobra.ExactArgs(1)),
		RunE: func(cmd *cobra.Command, names []string) error {
			ctx := cmd.Context()
			id, err := a.lookup(names[0])
			if err != nil {
				return err
			}
			if err := a.network(ctx); err != nil {
				return err
			}
			inst, err := a.newInstaller(a.cfg.Backend)
			if err != nil {
				return err
			}

			rel, _, err := a.resolve(ctx, id)
			if err != nil {
				return err
			}
			installed, _, err := a.installedState(ctx, id)
			if err != nil {
				return err
			}
			decision, reason := update.Decide(installed, rel.Version, force)
			log.WithFields(log.Fields{"package": id.Name, "decision": decision}).Debug(reason)
			if decision == update.DecisionRefuse {
				return fmt.Errorf("%s: %s", id.Name, reason)
			}
			if !decision.UpdateAvailable() {
				fmt.Fprintln(a.stdout, reason)
				return nil
			}

			path, rel, err := a.fetchRelease(ctx, id, rel, !quiet)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stderr, reason)
			res, err := inst.Install(ctx, path, id)
			if err != nil {
				return err
			}
			if !res.Success {
				return res.Err()
			}
			fmt.Fprintf(a.stdout, "installed %s %s (certificate %s)\n",
				id.Name, update.FormatVersionDisplay(rel.Version), verify.ShortFingerprint(res.CertificateHash))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "reinstall the same version or downgrade")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not show download progress")
	return cmd
}
