package installer

import (
	"context"
	"time"

	"github.com/loykin/mt5prov/internal/download"
	"github.com/loykin/mt5prov/internal/process"
)

//go:generate mockgen -destination=mocks/mock_installer.go -package=mocks github.com/loykin/mt5prov/internal/installer Runner,Fetcher

// Runner executes external commands. *process.Supervisor implements it.
type Runner interface {
	Run(ctx context.Context, spec process.Spec, check bool) (process.Result, error)
	Start(ctx context.Context, spec process.Spec) (*process.Process, error)
	Wait(ctx context.Context, p *process.Process, timeout time.Duration) error
	Stop(p *process.Process) bool
	Cleanup() process.CleanupReport
}

// Fetcher downloads one artifact. *download.Manager implements it.
type Fetcher interface {
	Fetch(ctx context.Context, src download.Source, dest string) error
}
