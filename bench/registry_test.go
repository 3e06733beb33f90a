package bench

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"leakbench/types"
)

func TestRegistryFillsDefaults(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	store := &memDevices{}
	reg, err := NewRegistry(ctx, store)
	require.NoError(err)
	require.True(reg.unsaved())
	require.Len(reg.All(), 4)
	require.Equal("COM11", reg.Get(types.LeakDetector).Port)

	require.NoError(reg.Persist(ctx))
	require.Equal(1, store.Saves())
	require.Len(store.cfgs, 4)

	require.NoError(reg.Persist(ctx))
	require.Equal(1, store.Saves())
}

func TestRegistryBatchesMutations(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	store := &memDevices{cfgs: types.DefaultDeviceConfigs()}
	reg, err := NewRegistry(ctx, store)
	require.NoError(err)
	require.False(reg.unsaved())

	reg.MarkAvailable(types.LeakDetector, true)
	reg.MarkAvailable(types.MassFlowController, true)
	require.NoError(reg.SetPort(types.HeliumAnalyzer, "COM20"))
	reg.MarkAvailable(types.LeakDetector, true)
	require.NoError(reg.Persist(ctx))
	require.Equal(1, store.Saves())

	reg.MarkAvailable(types.LeakDetector, true)
	require.False(reg.unsaved())
}

func TestRegistryRefusesPortConflict(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	reg, err := NewRegistry(ctx, &memDevices{cfgs: types.DefaultDeviceConfigs()})
	require.NoError(err)

	err = reg.SetPort(types.MassFlowController, reg.Get(types.LeakDetector).Port)
	require.ErrorIs(err, types.ErrPortConflict)
	require.Equal("COM8", reg.Get(types.MassFlowController).Port)

	// swapping two ports at once is fine
	require.NoError(reg.Assign(map[types.Role]string{
		types.LeakDetector:       "COM8",
		types.MassFlowController: "COM11",
	}))

	cfg := reg.Get(types.RelaySwitch)
	cfg.Port = "COM8"
	require.ErrorIs(reg.Update(cfg), types.ErrPortConflict)
}

func TestRegistryUpdate(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	reg, err := NewRegistry(ctx, &memDevices{cfgs: types.DefaultDeviceConfigs()})
	require.NoError(err)

	cfg := reg.Get(types.HeliumAnalyzer)
	cfg.Name = "renamed"
	cfg.Port = "COM30"
	cfg.BaudRate = 57600
	require.NoError(reg.Update(cfg))

	got := reg.Get(types.HeliumAnalyzer)
	require.Equal("COM30", got.Port)
	require.Equal(57600, got.BaudRate)
	require.Equal(types.HeliumAnalyzer.String(), got.Name)
	require.False(got.IsDefault)
}

func TestRegistryReturnsCopies(t *testing.T) {
	require := require.New(t)

	reg, err := NewRegistry(context.Background(), &memDevices{})
	require.NoError(err)

	reg.SetSetpoint(types.MassFlowController, 72.5)
	cfg := reg.Get(types.MassFlowController)
	*cfg.SccmSetpoint = 1
	require.Equal(72.5, *reg.Get(types.MassFlowController).SccmSetpoint)
}

func TestRegistryPersistFailure(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	store := &memDevices{fail: errSimulated}
	reg, err := NewRegistry(ctx, store)
	require.NoError(err)

	err = reg.Persist(ctx)
	require.ErrorIs(err, types.ErrPersistenceFailure)
	require.True(reg.unsaved())
}
