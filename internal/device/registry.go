package device

import (
	"sort"
	"sync"
	"time"
)

type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DeviceOffline DeviceStatus = "offline"
	DeviceBusy    DeviceStatus = "busy"
	DeviceError   DeviceStatus = "error"
)

type DeviceInfo struct {
	ID           string       `json:"deviceId"`
	Type         string       `json:"type"`
	Owner        string       `json:"owner"`
	Status       DeviceStatus `json:"status"`
	Endpoint     string       `json:"endpoint"`
	Capabilities []string     `json:"capabilities"`
	LastSeen     time.Time    `json:"lastSeen"`
}

// Registry — реестр устройств. Busy ставится на время управляющей сессии.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]DeviceInfo
}

func NewRegistry(devices ...DeviceInfo) *Registry {
	r := &Registry{devices: make(map[string]DeviceInfo, len(devices))}
	for _, d := range devices {
		r.Register(d)
	}
	return r
}

func (r *Registry) Register(d DeviceInfo) {
	if d.Status == "" {
		d.Status = DeviceOnline
	}
	if d.LastSeen.IsZero() {
		d.LastSeen = time.Now()
	}
	r.mu.Lock()
	r.devices[d.ID] = d
	r.mu.Unlock()
}

func (r *Registry) Get(id string) (DeviceInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

func (r *Registry) List() []DeviceInfo {
	r.mu.RLock()
	out := make([]DeviceInfo, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) SetStatus(id string, s DeviceStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return false
	}
	d.Status = s
	d.LastSeen = time.Now()
	r.devices[id] = d
	return true
}

// Acquire атомарно переводит online устройство в busy.
func (r *Registry) Acquire(id string) (DeviceInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[id]
	if !ok {
		return DeviceInfo{}, fault(FaultOffline, id, ErrDeviceNotFound.Error())
	}
	switch d.Status {
	case DeviceOffline:
		return d, fault(FaultOffline, id, "device is not online")
	case DeviceBusy:
		return d, fault(FaultBusy, id, "device is currently busy")
	case DeviceError:
		return d, fault(FaultErrorState, id, "device reports error state")
	}
	d.Status = DeviceBusy
	r.devices[id] = d
	return d, nil
}

// Release возвращает busy устройство в online. Другие статусы не трогает.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[id]; ok && d.Status == DeviceBusy {
		d.Status = DeviceOnline
		r.devices[id] = d
	}
}
