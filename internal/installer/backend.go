package installer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/3leaps/apkfetch/internal/shell"
)

// Kind names an install backend.
type Kind string

const (
	KindSession Kind = "session"
	KindRoot    Kind = "root"
	KindBroker  Kind = "broker"
	KindIntent  Kind = "intent"
)

// Kinds lists the supported backends.
var Kinds = []Kind{KindSession, KindRoot, KindBroker, KindIntent}

func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown install backend %q (want one of %v)", s, Kinds)
}

// Deps are the collaborators a backend may need. Only the ones used by the
// selected kind must be set.
type Deps struct {
	Sessions     SessionService
	Confirm      ConfirmationLauncher
	Root         shell.Runner
	Broker       shell.Broker
	Intents      IntentLauncher
	DownloadDir  string
	InstallerID  string
	Manufacturer string

	// Foreground is true when a user interface is available.
	Foreground bool
}

// NewBackend constructs the backend named by kind.
func NewBackend(kind Kind, deps Deps) (Backend, error) {
	switch kind {
	case KindSession:
		if deps.Sessions == nil {
			return nil, errors.New("session backend: no session service")
		}
		launcher := deps.Confirm
		if !deps.Foreground {
			launcher = nil
		}
		b := NewSessionBackend(deps.Sessions, launcher)
		b.InstallerID = deps.InstallerID
		return b, nil
	case KindRoot:
		if deps.Root == nil {
			return nil, errors.New("root backend: no root shell")
		}
		return NewRootBackend(deps.Root, deps.DownloadDir, deps.InstallerID), nil
	case KindBroker:
		if deps.Broker == nil {
			return nil, errors.New("broker backend: no broker shell")
		}
		return NewBrokerBackend(deps.Broker, deps.DownloadDir, deps.InstallerID), nil
	case KindIntent:
		if !deps.Foreground {
			return nil, errors.New("intent backend requires a foreground user interface")
		}
		if deps.Intents == nil {
			return nil, errors.New("intent backend: no intent launcher")
		}
		return NewIntentBackend(deps.Intents, deps.Manufacturer), nil
	}
	return nil, fmt.Errorf("unknown install backend %q", kind)
}
