package dbdriver

import (
	"context"

	"falcon-cm/internal/topology"
)

// CreateReplicationSlotOn creates a physical replication slot named
// for hostNodeName on the instance at leaderEndpoint, so a standby can
// start streaming from it without first racing the primary to create
// its own slot.
func (d *Driver) CreateReplicationSlotOn(ctx context.Context, leaderEndpoint, hostNodeName string) error {
	conn, err := d.connectRemote(ctx, leaderEndpoint)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	slot := topology.SlotName(hostNodeName)
	if _, err := conn.Exec(ctx, queryCreatePhysicalSlot, slot); err != nil {
		return wrapDBErr(err)
	}
	return nil
}

// DropReplicationSlotOn removes hostNodeName's slot from the instance
// at leaderEndpoint, run when a member permanently leaves a group so
// the primary doesn't retain WAL for a standby that will never return.
func (d *Driver) DropReplicationSlotOn(ctx context.Context, leaderEndpoint, hostNodeName string) error {
	conn, err := d.connectRemote(ctx, leaderEndpoint)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	slot := topology.SlotName(hostNodeName)
	if _, err := conn.Exec(ctx, queryDropSlot, slot); err != nil {
		return wrapDBErr(err)
	}
	return nil
}

// CreateLocalReplicationSlot creates a slot on the local instance,
// called once the local node has won its group's leader node and is
// being promoted to primary.
func (d *Driver) CreateLocalReplicationSlot(ctx context.Context, hostNodeName string) error {
	slot := topology.SlotName(hostNodeName)
	if _, err := d.local.Exec(ctx, queryCreatePhysicalSlot, slot); err != nil {
		return wrapDBErr(err)
	}
	return nil
}

// DropLocalReplicationSlot removes a slot from the local instance.
func (d *Driver) DropLocalReplicationSlot(ctx context.Context, hostNodeName string) error {
	slot := topology.SlotName(hostNodeName)
	if _, err := d.local.Exec(ctx, queryDropSlot, slot); err != nil {
		return wrapDBErr(err)
	}
	return nil
}
