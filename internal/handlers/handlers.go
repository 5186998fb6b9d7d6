// Package handlers implements the wire operations. Handlers run at the
// orchestrator layer against the call frame the dispatcher builds; engines
// and drivers arrive through Deps at registration time, never by reaching
// into peer packages at call time.
package handlers

import (
	"github.com/tollgate/controlplane/internal/config"
	"github.com/tollgate/controlplane/internal/enforcement"
	"github.com/tollgate/controlplane/internal/envelope"
	"github.com/tollgate/controlplane/internal/events"
	"github.com/tollgate/controlplane/internal/incidents"
	"github.com/tollgate/controlplane/internal/integrations"
	"github.com/tollgate/controlplane/internal/registry"
	"github.com/tollgate/controlplane/internal/snapshot"
	"github.com/tollgate/controlplane/internal/telemetry"
)

// Deps carries every engine and driver the handlers may use. The dispatcher
// wiring builds exactly one Deps at boot.
type Deps struct {
	Config       *config.Manager
	Telemetry    *telemetry.Driver
	Enforcement  *enforcement.Engine
	Integrations *integrations.Registry
	Snapshots    *snapshot.Engine
	Envelopes    *envelope.Pool
	Incidents    *incidents.Aggregator
	IncidentRepo *incidents.SQLRepo
	Emitter      events.Emitter
}

// Register installs every operation on the registry. Panics on wiring bugs;
// called once at boot.
func Register(reg *registry.Registry, d Deps) {
	registerUsage(reg, d)
	registerEnforcement(reg, d)
	registerIntegrations(reg, d)
	registerControls(reg, d)
	registerSnapshots(reg, d)
	registerIncidents(reg, d)
}
