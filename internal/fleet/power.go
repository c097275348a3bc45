package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/martinsuchenak/fleetd/internal/log"
	"github.com/martinsuchenak/fleetd/internal/model"
	"github.com/martinsuchenak/fleetd/internal/provider"
	"github.com/martinsuchenak/fleetd/internal/storage"
)

// PowerController drives device power transitions and classifies the
// provider's asynchronous batch responses.
type PowerController struct {
	store   storage.Storage
	devices DeviceProvider
	locks   *LockTable

	// RestartSettle is the wait between stop and start during a restart.
	RestartSettle time.Duration
}

func NewPowerController(store storage.Storage, devices DeviceProvider, locks *LockTable) *PowerController {
	return &PowerController{
		store:         store,
		devices:       devices,
		locks:         locks,
		RestartSettle: 3 * time.Second,
	}
}

// Start powers a device on.
func (pc *PowerController) Start(ctx context.Context, deviceID string) (model.PowerOutcome, error) {
	return pc.transition(ctx, deviceID, pc.devices.PowerOn, model.PowerStarting)
}

// Stop powers a device off.
func (pc *PowerController) Stop(ctx context.Context, deviceID string) (model.PowerOutcome, error) {
	return pc.transition(ctx, deviceID, pc.devices.PowerOff, model.PowerStopping)
}

func (pc *PowerController) transition(ctx context.Context, deviceID string, op func(context.Context, []string) (provider.BatchResult, error), pendingState model.PowerState) (model.PowerOutcome, error) {
	unlock := pc.locks.Lock("device", deviceID)
	defer unlock()

	device, err := pc.store.GetDevice(deviceID)
	if err != nil {
		return model.PowerOutcome{}, err
	}

	snap, err := pc.devices.Status(ctx, device.RemoteID)
	if err == nil && (snap.PowerState == model.PowerStarting || snap.PowerState == model.PowerStopping) {
		return model.PowerOutcome{}, fmt.Errorf("device %s: %w", device.RemoteID, provider.ErrDeviceTransitioning)
	}

	res, err := op(ctx, []string{device.RemoteID})
	if err != nil {
		return model.PowerOutcome{}, err
	}

	outcome := classifyPower(device.RemoteID, res)
	if outcome.Success || outcome.Pending {
		if err := pc.store.SetDevicePowerState(deviceID, pendingState); err != nil {
			log.Error("Failed to record pending power state", "device_id", deviceID, "error", err)
		}
	}
	return outcome, nil
}

// classifyPower maps the batch response to a result for one device:
// in success -> ok, in fail -> the provider's reason, in neither ->
// accepted with outcome not yet observable.
func classifyPower(remoteID string, res provider.BatchResult) model.PowerOutcome {
	if res.Succeeded(remoteID) {
		return model.PowerOutcome{Success: true}
	}
	if reason, ok := res.FailureReason(remoteID); ok {
		return model.PowerOutcome{Success: false, Message: reason}
	}
	return model.PowerOutcome{Success: false, Pending: true, Message: "command accepted, outcome unknown yet"}
}

// Restart stops the device, waits for it to settle, and starts it
// again. A device the provider reports as already off fails fast.
func (pc *PowerController) Restart(ctx context.Context, deviceID string) (model.PowerOutcome, error) {
	stopOutcome, err := pc.Stop(ctx, deviceID)
	if err != nil {
		return model.PowerOutcome{}, err
	}
	if !stopOutcome.Success && !stopOutcome.Pending && provider.ReasonIsPoweredOff(stopOutcome.Message) {
		return model.PowerOutcome{}, fmt.Errorf("%s: %w", stopOutcome.Message, ErrDeviceNotRunning)
	}

	if err := sleepCtx(ctx, pc.RestartSettle); err != nil {
		return model.PowerOutcome{}, err
	}

	return pc.Start(ctx, deviceID)
}
