package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgate/controlplane/internal/envelope"
	"github.com/tollgate/controlplane/internal/fault"
	"github.com/tollgate/controlplane/internal/registry"
)

// The control plane's envelope operations run fully in memory, so they can be
// exercised end to end through the dispatcher without a store.
func controlsDispatcher() (*registry.Dispatcher, Deps) {
	d := Deps{
		Envelopes: envelope.NewPool(envelope.NewMemoryRecorder(), nil, nil, envelope.NewObserver(false, 0)),
	}
	reg := registry.New()
	registerControls(reg, d)
	return registry.NewDispatcher(reg, nil, nil), d
}

func applyParams() map[string]any {
	return map[string]any{
		"envelope_id":          "env-1",
		"class":                envelope.ClassCost,
		"subsystem":            "inference",
		"parameter":            "max_batch_size",
		"target_value":         float64(130),
		"delta_type":           envelope.DeltaAbsolute,
		"max_increase":         float64(20),
		"max_decrease":         float64(20),
		"max_duration_seconds": float64(300),
		"baseline_value":       float64(100),
	}
}

func dispatch(t *testing.T, d *registry.Dispatcher, op string, params map[string]any) registry.OperationResult {
	t.Helper()
	return d.Dispatch(context.Background(), registry.Request{
		Operation: op,
		TenantID:  "tenant-a",
		Params:    params,
	})
}

func TestControlsApplyClampsToBounds(t *testing.T) {
	disp, deps := controlsDispatcher()

	res := dispatch(t, disp, "controls.apply", applyParams())
	require.True(t, res.OK, res.Message)

	// Requested 130 against baseline 100 with max_increase 20: effective 120.
	assert.Equal(t, float64(130), res.Data["requested_value"])
	assert.Equal(t, float64(120), res.Data["effective_value"])
	assert.Equal(t, float64(100), res.Data["baseline_value"])

	v, ok := deps.Envelopes.Params("tenant-a").Get("inference.max_batch_size")
	require.True(t, ok)
	assert.Equal(t, float64(120), v)
}

func TestControlsApplyMissingParam(t *testing.T) {
	disp, _ := controlsDispatcher()

	params := applyParams()
	delete(params, "class")
	res := dispatch(t, disp, "controls.apply", params)
	assert.False(t, res.OK)
	assert.Equal(t, fault.CodeMissingParam, res.Code)
}

func TestControlsApplyRejectsAdaptiveBounds(t *testing.T) {
	disp, _ := controlsDispatcher()

	params := applyParams()
	params["delta_type"] = envelope.DeltaAdaptive
	res := dispatch(t, disp, "controls.apply", params)
	assert.Equal(t, fault.CodeValidationError, res.Code)
}

func TestControlsRevertRestoresBaseline(t *testing.T) {
	disp, deps := controlsDispatcher()

	require.True(t, dispatch(t, disp, "controls.apply", applyParams()).OK)

	res := dispatch(t, disp, "controls.revert", map[string]any{"envelope_id": "env-1"})
	require.True(t, res.OK)
	assert.Equal(t, true, res.Data["reverted"])

	v, _ := deps.Envelopes.Params("tenant-a").Get("inference.max_batch_size")
	assert.Equal(t, float64(100), v)

	// Reverting again reports the no-op instead of failing.
	res = dispatch(t, disp, "controls.revert", map[string]any{"envelope_id": "env-1"})
	require.True(t, res.OK)
	assert.Equal(t, false, res.Data["reverted"])
}

func TestControlsQuery(t *testing.T) {
	disp, _ := controlsDispatcher()
	require.True(t, dispatch(t, disp, "controls.apply", applyParams()).OK)

	res := dispatch(t, disp, "controls.query", nil)
	require.True(t, res.OK)
	assert.Equal(t, 1, res.Data["count"])
	assert.Equal(t, false, res.Data["kill_switch_active"])

	res = dispatch(t, disp, "controls.query", map[string]any{"envelope_id": "env-missing"})
	assert.Equal(t, fault.CodeNotFound, res.Code)
}

func TestKillSwitchRoundTrip(t *testing.T) {
	disp, deps := controlsDispatcher()
	require.True(t, dispatch(t, disp, "controls.apply", applyParams()).OK)

	res := dispatch(t, disp, "controls.killswitch.write", map[string]any{
		"method": "activate",
		"reason": "runaway spend",
	})
	require.True(t, res.OK, res.Message)

	// All envelopes reverted, parameter back at baseline, applications blocked.
	v, _ := deps.Envelopes.Params("tenant-a").Get("inference.max_batch_size")
	assert.Equal(t, float64(100), v)

	res = dispatch(t, disp, "controls.killswitch.read", nil)
	require.True(t, res.OK)
	assert.Equal(t, true, res.Data["active"])
	assert.Equal(t, 0, res.Data["active_envelopes"])

	params := applyParams()
	params["envelope_id"] = "env-2"
	res = dispatch(t, disp, "controls.apply", params)
	assert.Equal(t, fault.CodeKillSwitchActive, res.Code)

	res = dispatch(t, disp, "controls.killswitch.write", map[string]any{"method": "rearm"})
	require.True(t, res.OK)

	res = dispatch(t, disp, "controls.apply", params)
	assert.True(t, res.OK, res.Message)
}

func TestKillSwitchActivateRequiresReason(t *testing.T) {
	disp, _ := controlsDispatcher()
	res := dispatch(t, disp, "controls.killswitch.write", map[string]any{"method": "activate"})
	assert.Equal(t, fault.CodeMissingParam, res.Code)
}

func TestKillSwitchUnknownMethod(t *testing.T) {
	disp, _ := controlsDispatcher()
	res := dispatch(t, disp, "controls.killswitch.write", map[string]any{"method": "pause"})
	assert.Equal(t, fault.CodeUnknownMethod, res.Code)
}
