package installer

import (
	"context"

	"github.com/3leaps/apkfetch/internal/model"
	"github.com/3leaps/apkfetch/internal/shell"
)

// BrokerBackend installs through pm running in a privileged broker shell such as
// Shizuku.
type BrokerBackend struct {
	broker      shell.Broker
	downloadDir string
	installerID string
}

func NewBrokerBackend(broker shell.Broker, downloadDir, installerID string) *BrokerBackend {
	return &BrokerBackend{broker: broker, downloadDir: downloadDir, installerID: installerID}
}

func (b *BrokerBackend) ExecuteInstall(ctx context.Context, file string, id model.PackageIdentity) (Result, error) {
	path, err := ValidateShellPath(file, b.downloadDir, id)
	if err != nil {
		return Result{}, err
	}
	if err := validateInstallerID(b.installerID); err != nil {
		return Result{}, err
	}

	switch b.broker.Probe(ctx) {
	case shell.BrokerUnsupported:
		return failure(CodeBrokerUnsupported, ShortBrokerUnsupported, "Shizuku is not supported on this device", nil), nil
	case shell.BrokerNotRunning:
		return failure(CodeBrokerNotRunning, ShortBrokerUnavailable, "Shizuku is not running. Please start the Shizuku service.", nil), nil
	case shell.BrokerPermissionDenied:
		return failure(CodeBrokerPermission, ShortPermissionDenied, "Missing Shizuku permission. Retry again.", nil), nil
	}
	return pmInstall(ctx, b.broker, "Shizuku", path, b.installerID), nil
}
