package proxy

import (
	"fmt"
	"log"
	"strings"

	"github.com/tidesql/lazyrouter/internal/config"
	"github.com/tidesql/lazyrouter/internal/wire"
	"github.com/tidesql/lazyrouter/pkg/bucket"
)

// ── Connection Router ───────────────────────────────────────────────────
//
// The router maps a parsed client handshake to a destination target.
// Target selection itself is out of the lazy connector's scope (spec §1
// names "routing/topology selection" as an external collaborator) — this
// package supplies one reasonable policy:
//
//  1. By read/write hint — a "router_mode" connection attribute of "ro"/"rw"
//  2. By target ID     — handshake.Database naming a target's ID directly
//  3. Default target — the first read_write target, or the sole target

// Router resolves a client handshake to a destination target.
type Router struct {
	cfg *config.Config

	byID      map[string]*bucket.Target
	readOnly  []*bucket.Target
	readWrite []*bucket.Target

	defaultTarget *bucket.Target
}

// NewRouter creates a Router from configuration.
func NewRouter(cfg *config.Config) *Router {
	r := &Router{
		cfg:   cfg,
		byID:  make(map[string]*bucket.Target),
	}

	for i := range cfg.Targets {
		t := &cfg.Targets[i]
		r.byID[t.ID] = t
		if t.IsReadOnly() {
			r.readOnly = append(r.readOnly, t)
		} else {
			r.readWrite = append(r.readWrite, t)
		}
	}

	if len(cfg.Targets) == 1 {
		r.defaultTarget = &cfg.Targets[0]
	} else if len(r.readWrite) > 0 {
		r.defaultTarget = r.readWrite[0]
	}

	log.Printf("[router] Initialized: %d targets, %d read_write, %d read_only",
		len(cfg.Targets), len(r.readWrite), len(r.readOnly))

	return r
}

// Route resolves a client handshake to a destination target.
func (r *Router) Route(h *wire.ClientHandshakeResponse) (*bucket.Target, error) {
	if mode, ok := h.Attributes["router_mode"]; ok {
		if strings.EqualFold(mode, "ro") && len(r.readOnly) > 0 {
			log.Printf("[router] Routed by router_mode=ro → target %s", r.readOnly[0].ID)
			return r.readOnly[0], nil
		}
		if strings.EqualFold(mode, "rw") && len(r.readWrite) > 0 {
			log.Printf("[router] Routed by router_mode=rw → target %s", r.readWrite[0].ID)
			return r.readWrite[0], nil
		}
	}

	if h.Database != "" {
		if t, ok := r.byID[h.Database]; ok {
			log.Printf("[router] Routed by target ID %q → target %s", h.Database, t.ID)
			return t, nil
		}
	}

	if r.defaultTarget != nil {
		log.Printf("[router] Routed to default target %s", r.defaultTarget.ID)
		return r.defaultTarget, nil
	}

	return nil, fmt.Errorf("no route found for handshake: database=%q, user=%q",
		h.Database, h.Username)
}
