package enrich

import (
	"context"
	"sync"

	"fleettrack/internal/model"
)

// Entry identifies the driver a device belongs to.
type Entry struct {
	DriverID string `json:"driverId"`
	TenantID string `json:"tenantId"`
	Name     string `json:"name"`
	// DeviceKey is the key that resolved the entry; set by Resolve.
	DeviceKey string `json:"-"`
}

// DriverSource lists provisioned drivers.
type DriverSource interface {
	ListDrivers(ctx context.Context) ([]model.Driver, error)
}

// Directory maps device keys to drivers. Reads vastly outnumber writes.
type Directory struct {
	mu       sync.RWMutex
	byDevice map[string]Entry
}

func NewDirectory() *Directory {
	return &Directory{byDevice: map[string]Entry{}}
}

// Resolve tries the attribute-embedded key first, then the raw device key.
func (d *Directory) Resolve(fix model.RawFix) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if k := fix.AlternateKey(); k != "" {
		if e, ok := d.byDevice[k]; ok {
			e.DeviceKey = k
			return e, true
		}
	}
	e, ok := d.byDevice[string(fix.DeviceID)]
	e.DeviceKey = string(fix.DeviceID)
	return e, ok
}

func (d *Directory) Lookup(deviceKey string) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.byDevice[deviceKey]
	return e, ok
}

// Refresh installs or replaces a single device mapping.
func (d *Directory) Refresh(deviceKey string, e Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byDevice[deviceKey] = e
}

// Reload rebuilds the directory from the driver table. Drivers without a
// device are skipped.
func (d *Directory) Reload(ctx context.Context, src DriverSource) (int, error) {
	drivers, err := src.ListDrivers(ctx)
	if err != nil {
		return 0, err
	}
	byDevice := make(map[string]Entry, len(drivers))
	for _, drv := range drivers {
		if drv.DeviceID == "" {
			continue
		}
		byDevice[drv.DeviceID] = Entry{DriverID: drv.ID, TenantID: drv.TenantID, Name: drv.Name}
	}
	d.mu.Lock()
	d.byDevice = byDevice
	d.mu.Unlock()
	return len(byDevice), nil
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byDevice)
}
