package ble

import (
	"context"
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/matheus3301/meshlink/internal/transport"
)

// Registry resolves device ids (BLE addresses) against BlueZ's paired devices.
type Registry struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
	log     *zap.Logger
}

// NewRegistry connects to the system bus.
func NewRegistry(log *zap.Logger) (*Registry, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return &Registry{conn: conn, adapter: defaultAdapter, log: log}, nil
}

// Close releases the bus connection.
func (r *Registry) Close() error { return r.conn.Close() }

// Paired lists paired companion radios.
func (r *Registry) Paired(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	objects, err := managed(r.conn)
	if err != nil {
		return nil, err
	}
	return pairedDevices(objects), nil
}

// Lookup returns the paired device with the given address.
func (r *Registry) Lookup(ctx context.Context, address string) (Device, error) {
	devices, err := r.Paired(ctx)
	if err != nil {
		return Device{}, err
	}
	for _, d := range devices {
		if strings.EqualFold(d.Address, address) {
			return d, nil
		}
	}
	return Device{}, fmt.Errorf("%s: %w", address, transport.ErrDeviceNotFound)
}

// Resolve reports whether address is a paired device.
func (r *Registry) Resolve(ctx context.Context, address string) error {
	_, err := r.Lookup(ctx, address)
	return err
}

// Transport builds an unopened BLE transport for a paired device.
func (r *Registry) Transport(ctx context.Context, address string) (transport.Transport, error) {
	d, err := r.Lookup(ctx, address)
	if err != nil {
		return nil, err
	}
	return New(r.conn, d, r.log), nil
}
