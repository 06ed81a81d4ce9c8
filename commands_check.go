package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/3leaps/apkfetch/internal/model"
	"github.com/3leaps/apkfetch/internal/shell"
	"github.com/3leaps/apkfetch/pkg/update"
)

const defaultCheckJobs = 4

type checkReport struct {
	id        model.PackageIdentity
	release   model.ResolvedRelease
	status    model.InstallationStatus
	installed update.Installed
	decision  update.Decision
	stale     bool // release served from an old cache entry
	err       error
}

func newCheckCommand(a *app) *cobra.Command {
	var (
		all  bool
		jobs int
	)
	cmd := &cobra.Command{
		Use:   "check [package...]",
		Short: "Resolve the latest releases and compare them with the installed versions",
		Args:  args(cobra.ArbitraryArgs),
		RunE: func(cmd *cobra.Command, names []string) error {
			ids, err := a.selected(names, all)
			if err != nil {
				return err
			}
			if jobs < 1 {
				return usageErrorf("--jobs must be at least 1")
			}
			if err := a.network(cmd.Context()); err != nil {
				return err
			}
			reports := a.checkAll(cmd.Context(), ids, jobs)
			printReports(a, reports)

			var result *multierror.Error
			for _, r := range reports {
				if r.err != nil {
					result = multierror.Append(result, fmt.Errorf("%s: %w", r.id.Name, r.err))
				}
			}
			return result.ErrorOrNil()
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "check every package in the catalog")
	cmd.Flags().IntVarP(&jobs, "jobs", "j", defaultCheckJobs, "number of packages resolved in parallel")
	return cmd
}

// checkAll resolves every package. Failures are recorded per report so one bad
// package does not hide the others.
func (a *app) checkAll(ctx context.Context, ids []model.PackageIdentity, jobs int) []checkReport {
	reports := make([]checkReport, len(ids))
	var g errgroup.Group
	g.SetLimit(jobs)
	for i, id := range ids {
		g.Go(func() error {
			reports[i] = a.check(ctx, id)
			return nil
		})
	}
	_ = g.Wait()
	return reports
}

func (a *app) check(ctx context.Context, id model.PackageIdentity) checkReport {
	r := checkReport{id: id}
	r.release, r.stale, r.err = a.resolve(ctx, id)
	if r.err != nil {
		return r
	}
	installed, status, err := a.installedState(ctx, id)
	if err != nil {
		log.WithField("package", id.PackageName).Warnf("cannot read installation status: %v", err)
		return r
	}
	r.status = status
	r.installed = installed
	r.decision, _ = update.Decide(installed, r.release.Version, false)
	return r
}

func (a *app) installedState(ctx context.Context, id model.PackageIdentity) (update.Installed, model.InstallationStatus, error) {
	v := a.packageVerifier()
	status, err := v.Status(ctx, id)
	if err != nil {
		return update.Installed{}, "", err
	}
	installed := update.Installed{
		Present:            status != model.StatusNotInstalled,
		FingerprintMatches: status == model.StatusInstalled,
	}
	if installed.Present {
		if ver, err := shell.NewPackageInspector(a.shell).InstalledVersion(ctx, id.PackageName); err == nil {
			installed.Version = ver
		}
	}
	return installed, status, nil
}

func printReports(a *app, reports []checkReport) {
	w := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PACKAGE\tINSTALLED\tAVAILABLE\tSTATUS")
	for _, r := range reports {
		if r.err != nil {
			fmt.Fprintf(w, "%s\t-\t-\terror: %v\n", r.id.Name, r.err)
			continue
		}
		current := "-"
		if r.installed.Version != "" {
			current = update.FormatVersionDisplay(r.installed.Version)
		}
		state := "unknown"
		if r.decision != "" {
			state = update.DescribeDecision(r.decision)
		}
		if r.stale {
			state += " (cached)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.id.Name, current, update.FormatVersionDisplay(r.release.Version), state)
	}
	_ = w.Flush()
}
