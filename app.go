package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/3leaps/apkfetch/internal/cache"
	"github.com/3leaps/apkfetch/internal/catalog"
	"github.com/3leaps/apkfetch/internal/config"
	"github.com/3leaps/apkfetch/internal/download"
	"github.com/3leaps/apkfetch/internal/host/github"
	"github.com/3leaps/apkfetch/internal/host/gitlab"
	"github.com/3leaps/apkfetch/internal/hostenv"
	"github.com/3leaps/apkfetch/internal/httpclient"
	"github.com/3leaps/apkfetch/internal/installer"
	"github.com/3leaps/apkfetch/internal/kvstore"
	"github.com/3leaps/apkfetch/internal/logging"
	"github.com/3leaps/apkfetch/internal/model"
	"github.com/3leaps/apkfetch/internal/release"
	"github.com/3leaps/apkfetch/internal/shell"
	"github.com/3leaps/apkfetch/internal/verify"
)

// Shell transports. Tests replace them.
var (
	hostShell   = func() shell.InputRunner { return shell.Sh() }
	rootShell   = func() shell.Runner { return shell.Su() }
	brokerShell = func() shell.Broker { return shell.NewRishBroker() }
)

// app holds the components shared by all commands. It is populated by setup
// once flags are parsed.
type app struct {
	stdout io.Writer
	stderr io.Writer
	v      *viper.Viper

	cfg      config.Config
	catalog  *catalog.Catalog
	device   hostenv.Device
	shell    shell.InputRunner
	client   *httpclient.Client
	releases *cache.Cache
	engine   *download.Engine
	verifier *verify.Verifier
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{stdout: stdout, stderr: stderr, v: config.New()}
}

func (a *app) setup(cmd *cobra.Command) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(a.v, configFile)
	if err != nil {
		return usageErrorf("%v", err)
	}
	a.cfg = cfg
	if err := logging.InitWriter(cfg.LogLevel, cfg.LogFile, a.stderr); err != nil {
		return err
	}

	cat, err := catalog.Builtin()
	if err != nil {
		return err
	}
	if cfg.CatalogFile != "" {
		override, err := catalog.Load(cfg.CatalogFile)
		if err != nil {
			return err
		}
		cat = cat.Merge(override)
	}
	a.catalog = cat
	a.shell = hostShell()
	return nil
}

// network builds the HTTP side lazily so offline commands never need it.
func (a *app) network(ctx context.Context) error {
	if a.client != nil {
		return nil
	}
	settings := a.cfg.Network
	settings.UserAgent = github.UserAgent(version)
	client, err := httpclient.New(settings)
	if err != nil {
		return usageErrorf("network settings: %v", err)
	}
	a.client = client

	token := a.cfg.GitHubToken
	if token == "" {
		token = github.TokenFromEnv()
	}
	gh := github.NewResolver(client, github.WithAPIBase(a.cfg.GitHubAPI), github.WithToken(token))
	gl := gitlab.NewResolver(client, a.cfg.GitLabAPI)
	resolver := release.NewResolver(a.targetDevice(ctx), gh, gl)

	if err := os.MkdirAll(a.cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store := kvstore.NewFileStore(a.cfg.MetadataFile())
	a.releases = cache.New(resolver, store, cache.WithTTL(a.cfg.CacheTTL))
	a.engine = download.NewEngine(client)
	return nil
}

// resolve returns the latest release of id. When the release host is unreachable
// or rate limits the request, a cached release younger than cache.OldThreshold is
// returned instead and stale is set.
func (a *app) resolve(ctx context.Context, id model.PackageIdentity) (rel model.ResolvedRelease, stale bool, err error) {
	rel, err = a.releases.GetOrFetch(ctx, id)
	if err == nil {
		return rel, false, nil
	}
	if !errors.Is(err, model.ErrNetwork) && !errors.Is(err, model.ErrRateLimited) {
		return rel, false, err
	}
	cached, ok := a.releases.Old(id)
	if !ok {
		return rel, false, err
	}
	log.WithFields(log.Fields{"package": id.Name, "version": cached.Version}).
		Warnf("release host unavailable, using cached release: %v", err)
	return cached, true, nil
}

// targetDevice merges configured device values over detected ones.
func (a *app) targetDevice(ctx context.Context) release.Device {
	a.device = hostenv.Detect(ctx, a.shell)
	d := release.Device{ABIs: a.device.ABIs, SDK: a.device.SDK, Prefer32Bit: a.cfg.Prefer32Bit}
	if len(a.cfg.ABIs) > 0 {
		d.ABIs = a.cfg.ABIs
	}
	if a.cfg.SDK > 0 {
		d.SDK = a.cfg.SDK
	}
	log.WithFields(log.Fields{"abis": d.ABIs, "sdk": d.SDK}).Debug("target device")
	return d
}

func (a *app) packageVerifier() *verify.Verifier {
	if a.verifier == nil {
		a.verifier = verify.NewVerifier(shell.NewPackageInspector(a.shell))
	}
	return a.verifier
}

func (a *app) lookup(name string) (model.PackageIdentity, error) {
	id, err := a.catalog.Lookup(name)
	if err != nil {
		return model.PackageIdentity{}, usageErrorf("%v", err)
	}
	return id, nil
}

// selected returns the named packages, or every catalog entry when all is set.
func (a *app) selected(args []string, all bool) ([]model.PackageIdentity, error) {
	switch {
	case all && len(args) > 0:
		return nil, usageErrorf("--all cannot be combined with package names")
	case all:
		return a.catalog.All(), nil
	case len(args) == 0:
		return nil, usageErrorf("name a package or pass --all")
	}
	ids := make([]model.PackageIdentity, 0, len(args))
	for _, name := range args {
		id, err := a.lookup(name)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (a *app) newInstaller(kind installer.Kind) (*installer.Installer, error) {
	deps := installer.Deps{
		DownloadDir:  a.cfg.DownloadDir(),
		InstallerID:  a.cfg.InstallerID,
		Manufacturer: a.device.Manufacturer,
		Foreground:   a.cfg.Foreground,
	}
	switch kind {
	case installer.KindSession:
		deps.Sessions = installer.NewShellSessionService(a.shell)
	case installer.KindRoot:
		deps.Root = rootShell()
	case installer.KindBroker:
		deps.Broker = brokerShell()
	}
	backend, err := installer.NewBackend(kind, deps)
	if err != nil {
		return nil, usageErrorf("%v", err)
	}
	inst := installer.New(backend, a.packageVerifier())
	inst.OnState = func(id model.PackageIdentity, s installer.State) {
		if s == installer.StateAwaitingUserConfirmation {
			fmt.Fprintf(a.stderr, "%s: waiting for confirmation on the device\n", id.Name)
		}
	}
	return inst, nil
}
