package build

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/b3yond/bugbuster/pkg/coordstore"
)

// Fleet selects a Docker host for builds and fuzzer launches. Hosts are
// announced in the coordination store set dind:hosts; the local daemon is
// the fallback when every remote host is above the load ceiling or
// unreachable.
type Fleet struct {
	cs      *coordstore.Store
	maxLoad float64
	logger  zerolog.Logger

	newClient func(host string) (*DockerClient, error)
}

// NewFleet builds a fleet selector. maxLoad is the summed container CPU
// percentage above which a host is considered busy.
func NewFleet(cs *coordstore.Store, maxLoad float64, logger zerolog.Logger) *Fleet {
	return &Fleet{
		cs:        cs,
		maxLoad:   maxLoad,
		logger:    logger,
		newClient: NewDockerClient,
	}
}

// PickHost returns a client for the least loaded remote host under the
// load ceiling, or the local daemon when none qualifies. The caller owns
// the returned client.
func (f *Fleet) PickHost(ctx context.Context) (*DockerClient, error) {
	hosts, err := f.cs.SMembers(ctx, coordstore.DindHostsKey)
	if err != nil {
		f.logger.Warn().Err(err).Msg("failed to read dind host pool, using local daemon")
		return f.newClient("")
	}

	var best *DockerClient
	bestLoad := f.maxLoad
	for _, host := range hosts {
		cli, err := f.newClient(host)
		if err != nil {
			f.logger.Warn().Str("host", host).Err(err).Msg("unreachable dind host")
			continue
		}
		sampleCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		load, err := cli.TotalCPUPercent(sampleCtx)
		cancel()
		if err != nil {
			f.logger.Warn().Str("host", host).Err(err).Msg("failed to sample dind host load")
			cli.Close()
			continue
		}
		if load < bestLoad {
			if best != nil {
				best.Close()
			}
			best = cli
			bestLoad = load
		} else {
			cli.Close()
		}
	}

	if best != nil {
		f.logger.Debug().Str("host", best.Host()).Float64("load", bestLoad).Msg("picked dind host")
		return best, nil
	}
	return f.newClient("")
}

// AllHosts returns clients for every pool host plus the local daemon.
// Cancellation sweeps stop task containers on each of them.
func (f *Fleet) AllHosts(ctx context.Context) []*DockerClient {
	var clients []*DockerClient
	if local, err := f.newClient(""); err == nil {
		clients = append(clients, local)
	}
	hosts, err := f.cs.SMembers(ctx, coordstore.DindHostsKey)
	if err != nil {
		return clients
	}
	for _, host := range hosts {
		cli, err := f.newClient(host)
		if err != nil {
			continue
		}
		clients = append(clients, cli)
	}
	return clients
}
