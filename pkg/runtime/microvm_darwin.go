//go:build darwin

package runtime

import (
	"context"

	"github.com/cuemby/conductor/pkg/embedded"
)

// NewMicroVMProviderDarwin brings up the embedded Lima guest (containerd
// doesn't run natively on darwin) and returns a MicroVMProvider dialed to
// its containerd socket, in place of NewMicroVMProvider's direct dial.
func NewMicroVMProviderDarwin(ctx context.Context, dataDir string) (*MicroVMProvider, error) {
	lima, err := embedded.EnsureLima(ctx, dataDir)
	if err != nil {
		return nil, err
	}
	return NewMicroVMProvider(lima.GetSocketPath())
}
