package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"zigbee-lock-hub/internal/events"
	"zigbee-lock-hub/internal/metrics"
	"zigbee-lock-hub/internal/ncp"
	"zigbee-lock-hub/internal/store"
	"zigbee-lock-hub/internal/zcl"
	"zigbee-lock-hub/internal/zcl/clusters"
)

type interviewEntry struct {
	cancel context.CancelFunc
	gen    uint64
}

// DeviceManager handles device lifecycle (join, leave, interview).
type DeviceManager struct {
	coord  *Coordinator
	logger *slog.Logger

	// Interview cancellation: tracks active interview cancel funcs by IEEE.
	interviewMu      sync.Mutex
	interviewCancels map[string]interviewEntry
	interviewGen     atomic.Uint64
	interviewWg      sync.WaitGroup
	retryDelay       time.Duration

	// Debounce duplicate announce events.
	lastJoinMu sync.Mutex
	lastJoin   map[string]time.Time

	// In-memory short address -> IEEE index for fast lookup.
	addrMu    sync.RWMutex
	addrIndex map[uint16]string
}

// NewDeviceManager creates a new device manager.
func NewDeviceManager(coord *Coordinator) *DeviceManager {
	return &DeviceManager{
		coord:            coord,
		logger:           coord.logger.With("component", "device_manager"),
		interviewCancels: make(map[string]interviewEntry),
		retryDelay:       5 * time.Second,
		lastJoin:         make(map[string]time.Time),
		addrIndex:        make(map[uint16]string),
	}
}

// CancelAllInterviews cancels all running interview goroutines and waits for them.
func (dm *DeviceManager) CancelAllInterviews() {
	dm.interviewMu.Lock()
	for ieee, entry := range dm.interviewCancels {
		entry.cancel()
		delete(dm.interviewCancels, ieee)
	}
	dm.interviewMu.Unlock()
	dm.interviewWg.Wait()
}

// WaitInterviews blocks until running interviews finish.
func (dm *DeviceManager) WaitInterviews() {
	dm.interviewWg.Wait()
}

func (dm *DeviceManager) cancelInterview(ieee string) {
	dm.interviewMu.Lock()
	if entry, ok := dm.interviewCancels[ieee]; ok {
		entry.cancel()
		delete(dm.interviewCancels, ieee)
	}
	dm.interviewMu.Unlock()
}

func (dm *DeviceManager) updateAddrIndex(ieee string, shortAddr uint16) {
	dm.addrMu.Lock()
	dm.addrIndex[shortAddr] = ieee
	dm.addrMu.Unlock()
}

func (dm *DeviceManager) removeFromAddrIndex(ieee string) {
	dm.addrMu.Lock()
	for addr, stored := range dm.addrIndex {
		if stored == ieee {
			delete(dm.addrIndex, addr)
		}
	}
	dm.addrMu.Unlock()
}

func (dm *DeviceManager) lookupIEEE(shortAddr uint16) string {
	dm.addrMu.RLock()
	defer dm.addrMu.RUnlock()
	return dm.addrIndex[shortAddr]
}

// DeviceName returns "FriendlyName", "Manufacturer Model", or "" for unknown devices.
func DeviceName(dev *store.Device) string {
	if dev == nil {
		return ""
	}
	if dev.FriendlyName != "" {
		return dev.FriendlyName
	}
	name := dev.Manufacturer
	if dev.Model != "" {
		if name != "" {
			name += " "
		}
		name += dev.Model
	}
	return name
}

// RebuildAddrIndex loads all devices from store and populates the index.
func (dm *DeviceManager) RebuildAddrIndex() {
	devices, err := dm.coord.Store().ListDevices()
	if err != nil {
		dm.logger.Error("rebuild addr index", "err", err)
		return
	}
	dm.addrMu.Lock()
	clear(dm.addrIndex)
	for _, d := range devices {
		dm.addrIndex[d.ShortAddress] = d.IEEEAddress
	}
	dm.addrMu.Unlock()
}

// HandleJoin processes a device join event. The interview waits for the
// announce that follows once the device holds the network key.
func (dm *DeviceManager) HandleJoin(evt ncp.DeviceJoinedEvent) {
	ieee := ncp.FormatIEEE(evt.IEEEAddr)
	dm.updateAddrIndex(ieee, evt.ShortAddr)

	dev, err := dm.coord.Store().GetDevice(ieee)
	if err == nil {
		dev.ShortAddress = evt.ShortAddr
		dev.LastSeen = time.Now()
	} else {
		dev = &store.Device{
			IEEEAddress:  ieee,
			ShortAddress: evt.ShortAddr,
			JoinedAt:     time.Now(),
			LastSeen:     time.Now(),
		}
	}

	dm.logger.Info("device joined", "ieee", ieee, "short", fmt.Sprintf("0x%04X", evt.ShortAddr), "name", DeviceName(dev))
	if err := dm.coord.Store().SaveDevice(dev); err != nil {
		dm.logger.Error("save device", "err", err, "ieee", ieee)
		return
	}

	dm.coord.Events().Emit(events.Event{
		Type: EventDeviceJoined,
		Data: DeviceEvent{IEEE: ieee, ShortAddr: evt.ShortAddr},
	})
}

// HandleLeave cancels any interview, forgets the device, and emits EventDeviceLeft.
func (dm *DeviceManager) HandleLeave(evt ncp.DeviceLeftEvent) {
	ieee := ncp.FormatIEEE(evt.IEEEAddr)
	dev, _ := dm.coord.Store().GetDevice(ieee)
	name := DeviceName(dev)
	dm.logger.Info("device left", "ieee", ieee, "name", name)

	dm.cancelInterview(ieee)
	dm.lastJoinMu.Lock()
	delete(dm.lastJoin, ieee)
	dm.lastJoinMu.Unlock()
	dm.removeFromAddrIndex(ieee)

	if err := dm.coord.Store().DeleteDevice(ieee); err != nil {
		dm.logger.Error("delete device on leave", "err", err, "ieee", ieee)
	}

	dm.coord.Events().Emit(events.Event{
		Type: EventDeviceLeft,
		Data: DeviceEvent{IEEE: ieee, ShortAddr: evt.ShortAddr},
	})
}

// HandleAnnounce records the (possibly new) short address and starts an
// interview unless one is running or started within the last few seconds.
func (dm *DeviceManager) HandleAnnounce(evt ncp.DeviceAnnounceEvent) {
	ieee := ncp.FormatIEEE(evt.IEEEAddr)
	dm.updateAddrIndex(ieee, evt.ShortAddr)

	dev, err := dm.coord.Store().GetDevice(ieee)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			dm.logger.Error("get device on announce", "err", err, "ieee", ieee)
			return
		}
		dev = &store.Device{IEEEAddress: ieee, JoinedAt: time.Now()}
	}
	dev.ShortAddress = evt.ShortAddr
	dev.LastSeen = time.Now()
	dm.logger.Info("device announce", "ieee", ieee, "short", fmt.Sprintf("0x%04X", evt.ShortAddr), "name", DeviceName(dev))

	if err := dm.coord.Store().SaveDevice(dev); err != nil {
		dm.logger.Error("save device on announce", "err", err)
	}

	dm.coord.Events().Emit(events.Event{
		Type: EventDeviceAnnounce,
		Data: DeviceEvent{IEEE: ieee, ShortAddr: evt.ShortAddr},
	})

	dm.interviewMu.Lock()
	_, interviewing := dm.interviewCancels[ieee]
	dm.interviewMu.Unlock()
	if interviewing {
		dm.logger.Info("announce during interview, address updated", "ieee", ieee)
		return
	}

	dm.lastJoinMu.Lock()
	if last, ok := dm.lastJoin[ieee]; ok && time.Since(last) < 3*time.Second {
		dm.lastJoinMu.Unlock()
		dm.logger.Debug("duplicate announce, interview already started", "ieee", ieee)
		return
	}
	dm.lastJoin[ieee] = time.Now()
	if len(dm.lastJoin) > 50 {
		for k, t := range dm.lastJoin {
			if time.Since(t) > time.Minute {
				delete(dm.lastJoin, k)
			}
		}
	}
	dm.lastJoinMu.Unlock()

	dm.interviewWg.Add(1)
	go dm.Interview(ieee)
}

// lookupOrRebuild looks up an IEEE address by short address, rebuilding the
// index from the store on a miss.
func (dm *DeviceManager) lookupOrRebuild(shortAddr uint16) string {
	if ieee := dm.lookupIEEE(shortAddr); ieee != "" {
		return ieee
	}

	dm.addrMu.Lock()
	defer dm.addrMu.Unlock()
	if ieee := dm.addrIndex[shortAddr]; ieee != "" {
		return ieee
	}
	devices, err := dm.coord.Store().ListDevices()
	if err != nil {
		dm.logger.Error("rebuild addr index for lookup", "err", err)
		return ""
	}
	clear(dm.addrIndex)
	var ieee string
	for _, d := range devices {
		dm.addrIndex[d.ShortAddress] = d.IEEEAddress
		if d.ShortAddress == shortAddr {
			ieee = d.IEEEAddress
		}
	}
	return ieee
}

// HandleAttributeReport decodes a report, refreshes last-seen and link
// quality, and emits EventAttributeReport.
func (dm *DeviceManager) HandleAttributeReport(evt ncp.AttributeReportEvent) {
	ieee := dm.lookupOrRebuild(evt.SrcAddr)

	var decoded any
	if len(evt.Value) > 0 {
		val, _, err := zcl.DecodeValue(evt.DataType, evt.Value)
		if err != nil {
			dm.logger.Warn("decode attribute report", "err", err, "ieee", ieee)
			decoded = fmt.Sprintf("%X", evt.Value)
		} else {
			decoded = val
		}
	}
	clusterName, attrName := dm.coord.Registry().Names(evt.ClusterID, evt.AttrID)
	metrics.AttributeReports.WithLabelValues(clusterName).Inc()

	if ieee == "" {
		dm.logger.Warn("attribute report from unknown device", "short", fmt.Sprintf("0x%04X", evt.SrcAddr), "cluster", clusterName)
		return
	}

	err := dm.coord.Store().UpdateDevice(ieee, func(dev *store.Device) error {
		dev.LastSeen = time.Now()
		if evt.LQI > 0 {
			dev.LQI = evt.LQI
			dev.RSSI = evt.RSSI
		}
		return nil
	})
	if err != nil {
		dm.logger.Error("save device last_seen", "err", err, "ieee", ieee)
	}

	dm.logger.Info("attribute report", "ieee", ieee, "cluster", clusterName, "attr", attrName, "value", decoded)

	dm.coord.Events().Emit(events.Event{
		Type: EventAttributeReport,
		Data: AttributeReport{
			IEEE:        ieee,
			ShortAddr:   evt.SrcAddr,
			Endpoint:    evt.SrcEP,
			ClusterID:   evt.ClusterID,
			ClusterName: clusterName,
			AttrID:      evt.AttrID,
			AttrName:    attrName,
			Value:       decoded,
		},
	})
}

// Interview queries a device for its endpoints, descriptors, and Basic
// attributes, configures it from its definition, and emits
// EventDeviceInterviewed. Retries up to 3 times, re-reading the device from
// store each time to pick up short address changes.
func (dm *DeviceManager) Interview(ieee string) {
	gen := dm.interviewGen.Add(1)
	defer func() {
		dm.interviewMu.Lock()
		if entry, ok := dm.interviewCancels[ieee]; ok && entry.gen == gen {
			delete(dm.interviewCancels, ieee)
		}
		dm.interviewMu.Unlock()
		dm.interviewWg.Done()
	}()

	ctx, cancel := context.WithTimeout(dm.coord.Context(), 3*time.Minute)
	defer cancel()

	dm.interviewMu.Lock()
	if prev, ok := dm.interviewCancels[ieee]; ok {
		prev.cancel()
	}
	dm.interviewCancels[ieee] = interviewEntry{cancel: cancel, gen: gen}
	dm.interviewMu.Unlock()

	const maxRetries = 3
	for attempt := 1; attempt <= maxRetries; attempt++ {
		dev, err := dm.coord.Store().GetDevice(ieee)
		if err != nil {
			dm.logger.Error("interview: device not found", "ieee", ieee)
			return
		}
		dm.logger.Info("starting interview", "ieee", ieee, "short", fmt.Sprintf("0x%04X", dev.ShortAddress), "attempt", attempt)

		if err := dm.interviewOnce(ctx, dev); err != nil {
			dm.logger.Warn("interview attempt failed", "err", err, "ieee", ieee, "attempt", attempt)
			if ctx.Err() != nil {
				return
			}
			if attempt < maxRetries {
				jitter := time.Duration(rand.Int64N(int64(dm.retryDelay)/2 + 1))
				select {
				case <-time.After(dm.retryDelay + jitter):
				case <-ctx.Done():
					return
				}
			}
			continue
		}

		dev.Interviewed = true
		if err := dm.coord.Store().SaveDevice(dev); err != nil {
			dm.logger.Error("interview: save", "err", err, "ieee", ieee)
			return
		}
		dm.logger.Info("interview complete", "ieee", ieee, "name", DeviceName(dev), "endpoints", len(dev.Endpoints))
		dm.coord.Events().Emit(events.Event{
			Type: EventDeviceInterviewed,
			Data: DeviceEvent{IEEE: ieee, ShortAddr: dev.ShortAddress},
		})
		return
	}

	dm.logger.Error("interview failed after retries", "ieee", ieee, "attempts", maxRetries)
}

func (dm *DeviceManager) interviewOnce(ctx context.Context, dev *store.Device) error {
	backend := dm.coord.NCP()
	endpoints, err := backend.ActiveEndpoints(ctx, dev.ShortAddress)
	if err != nil {
		return fmt.Errorf("active endpoints: %w", err)
	}

	dev.Endpoints = make([]store.Endpoint, 0, len(endpoints))
	for _, ep := range endpoints {
		sd, err := backend.SimpleDescriptor(ctx, dev.ShortAddress, ep)
		if err != nil {
			dm.logger.Warn("interview: simple desc", "err", err, "ieee", dev.IEEEAddress, "ep", ep)
			continue
		}
		dev.Endpoints = append(dev.Endpoints, store.Endpoint{
			ID:          ep,
			ProfileID:   sd.ProfileID,
			DeviceID:    sd.DeviceID,
			InClusters:  sd.InClusters,
			OutClusters: sd.OutClusters,
		})
		dm.logger.Info("endpoint discovered", "ieee", dev.IEEEAddress, "ep", ep,
			"profile", fmt.Sprintf("0x%04X", sd.ProfileID),
			"device", fmt.Sprintf("0x%04X", sd.DeviceID),
			"in_clusters", len(sd.InClusters),
			"out_clusters", len(sd.OutClusters),
		)
	}

	for _, ep := range dev.Endpoints {
		if ep.HasInCluster(clusters.BasicID) {
			dm.readBasicAttributes(ctx, dev, ep.ID)
			break
		}
	}

	var def *DeviceDefinition
	if db := dm.coord.DeviceDB(); db != nil {
		def = db.Lookup(dev.Manufacturer, dev.Model)
	}
	if def != nil && def.FriendlyName != "" {
		dev.FriendlyName = def.FriendlyName
	}
	if def != nil {
		dm.configureDevice(ctx, dev, def)
	} else {
		dm.logger.Info("no device definition found, skipping configure",
			"ieee", dev.IEEEAddress, "manufacturer", dev.Manufacturer, "model", dev.Model)
	}
	return nil
}

func (dm *DeviceManager) readBasicAttributes(ctx context.Context, dev *store.Device, ep uint8) {
	results, err := dm.coord.ReadAttributes(ctx, dev.ShortAddress, ep, clusters.BasicID,
		[]uint16{clusters.AttrManufacturerName, clusters.AttrModelIdentifier, clusters.AttrPowerSource})
	if err != nil {
		dm.logger.Warn("read basic attributes", "err", err, "ieee", dev.IEEEAddress)
		return
	}
	for _, r := range results {
		if r.Value == nil {
			continue
		}
		switch r.AttrID {
		case clusters.AttrManufacturerName:
			if s, ok := r.Value.(string); ok {
				dev.Manufacturer = s
			}
		case clusters.AttrModelIdentifier:
			if s, ok := r.Value.(string); ok {
				dev.Model = s
			}
		case clusters.AttrPowerSource:
			if v, ok := zcl.AsUint(r.Value); ok {
				dev.PowerSource = uint8(v)
			}
		}
	}
}

// configureDevice binds clusters and sets up reporting from a device
// definition while the device is still awake after its interview.
func (dm *DeviceManager) configureDevice(ctx context.Context, dev *store.Device, def *DeviceDefinition) {
	coordIEEE := dm.coord.LocalIEEE()
	devIEEE, err := ncp.ParseIEEE(dev.IEEEAddress)
	if err != nil {
		dm.logger.Warn("configure: parse device IEEE", "err", err)
		return
	}

	for _, ep := range dev.Endpoints {
		for _, cluster := range def.Bind {
			if !ep.HasOutCluster(cluster) && !ep.HasInCluster(cluster) {
				continue
			}
			err := dm.coord.NCP().Bind(ctx, ncp.BindRequest{
				TargetShortAddr: dev.ShortAddress,
				SrcIEEE:         devIEEE,
				SrcEP:           ep.ID,
				ClusterID:       cluster,
				DstIEEE:         coordIEEE,
				DstEP:           1,
			})
			if err != nil {
				dm.logger.Warn("configure: bind", "err", err, "ieee", dev.IEEEAddress, "ep", ep.ID, "cluster", fmt.Sprintf("0x%04X", cluster))
			} else {
				dm.logger.Info("bound cluster", "ieee", dev.IEEEAddress, "ep", ep.ID, "cluster", fmt.Sprintf("0x%04X", cluster))
			}
		}

		for _, r := range def.Reporting {
			if !ep.HasInCluster(r.Cluster) {
				continue
			}
			change := []byte{byte(r.Change)}
			if r.Change > 255 {
				change = []byte{byte(r.Change), byte(r.Change >> 8)}
			}
			err := dm.coord.ConfigureReporting(ctx, dev.ShortAddress, ep.ID, r.Cluster, r.Attribute, r.Type, r.Min, r.Max, change)
			if err != nil {
				dm.logger.Warn("configure: reporting", "err", err, "ieee", dev.IEEEAddress, "ep", ep.ID,
					"cluster", fmt.Sprintf("0x%04X", r.Cluster), "attr", fmt.Sprintf("0x%04X", r.Attribute))
			}
		}
	}
}

// RemoveDevice sends a ZDO leave request, cancels any in-progress interview,
// and deletes the device. EventDeviceLeft is emitted when the network
// reports the leave; if the request fails the device is still forgotten.
func (dm *DeviceManager) RemoveDevice(ieee string) error {
	dm.cancelInterview(ieee)

	dev, err := dm.coord.Store().GetDevice(ieee)
	if err != nil {
		return fmt.Errorf("remove device: %w", err)
	}
	ieeeBytes, err := ncp.ParseIEEE(ieee)
	if err != nil {
		return fmt.Errorf("remove device: %w", err)
	}

	ctx, cancel := context.WithTimeout(dm.coord.Context(), 10*time.Second)
	defer cancel()
	if leaveErr := dm.coord.NCP().MgmtLeave(ctx, dev.ShortAddress, ieeeBytes); leaveErr != nil {
		dm.logger.Warn("mgmt leave request failed", "ieee", ieee, "name", DeviceName(dev), "err", leaveErr)
		dm.HandleLeave(ncp.DeviceLeftEvent{ShortAddr: dev.ShortAddress, IEEEAddr: ieeeBytes})
		return nil
	}
	dm.logger.Info("device removed from network", "ieee", ieee, "name", DeviceName(dev))
	return nil
}

// ListDevices returns all known devices.
func (dm *DeviceManager) ListDevices() ([]*store.Device, error) {
	return dm.coord.Store().ListDevices()
}

// GetDevice returns a device by IEEE address.
func (dm *DeviceManager) GetDevice(ieee string) (*store.Device, error) {
	return dm.coord.Store().GetDevice(ieee)
}
