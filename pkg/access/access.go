// Package access resolves which catalog model a chat turn actually runs
// with, based on the requester's entitlement.
package access

import (
	"log/slog"

	"github.com/loomhq/loom/pkg/config"
)

// Decision is the outcome of resolving a model request.
type Decision struct {
	// ModelID is the catalog model the turn runs with.
	ModelID string

	// Downgraded is true when the requested model was substituted.
	Downgraded bool

	// Requested is the model the client originally asked for. Set only
	// when Downgraded is true.
	Requested string
}

// Gate enforces model-tier entitlement. Models absent from the catalog
// are treated as paid, so an unknown ID never grants more access than a
// known one.
type Gate struct {
	cfg    *config.Config
	logger *slog.Logger
}

func NewGate(cfg *config.Config) *Gate {
	return &Gate{
		cfg:    cfg,
		logger: slog.Default().With("component", "access"),
	}
}

// Resolve maps a requested model ID to the model the turn may use.
// Entitled callers get whatever they ask for if it exists in the
// catalog; otherwise the request is downgraded to the caller's tier
// default (paid default for active subscribers, free default for
// everyone else).
func (g *Gate) Resolve(requested string, entitled bool) Decision {
	if requested == "" {
		requested = g.cfg.Models.DefaultFree
	}

	tier := config.TierPaid
	spec, known := g.cfg.ModelByID(requested)
	if known {
		tier = spec.Tier
	}

	if tier == config.TierFree {
		return Decision{ModelID: requested}
	}

	if entitled && known {
		return Decision{ModelID: requested}
	}

	substituted := g.cfg.Models.DefaultFree
	if entitled {
		substituted = g.cfg.Models.DefaultPaid
	}

	g.logger.Info("downgrading model request",
		"requested", requested,
		"known", known,
		"entitled", entitled,
		"substituted", substituted)

	return Decision{
		ModelID:    substituted,
		Downgraded: true,
		Requested:  requested,
	}
}
