package ncp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"zigbee-lock-hub/internal/zcl"
	"zigbee-lock-hub/internal/zcl/clusters"
)

// ErrUnknownDevice is returned for requests addressed to a short address
// that is not on the simulated network.
var ErrUnknownDevice = errors.New("sim ncp: unknown device")

const (
	simProfileHA      uint16 = 0x0104
	simDeviceDoorLock uint16 = 0x000A
	simFirstShortAddr uint16 = 0x1000
)

const simLocalIEEE = "00124B0000000001"

// SimDevice describes one device on the simulated network.
type SimDevice struct {
	IEEE         string   `yaml:"ieee"`
	ShortAddr    uint16   `yaml:"short_addr"`
	Endpoint     uint8    `yaml:"endpoint"`
	Manufacturer string   `yaml:"manufacturer"`
	Model        string   `yaml:"model"`
	PowerSource  uint8    `yaml:"power_source"` // Basic PowerSource: 1 mains, 3 battery
	DeviceType   uint16   `yaml:"device_type"`
	InClusters   []uint16 `yaml:"in_clusters"`
	OutClusters  []uint16 `yaml:"out_clusters"`
	LockState    *uint8   `yaml:"lock_state"` // nil starts unlocked
	Battery      uint8    `yaml:"battery"`    // BatteryPercentageRemaining, half-percent units
	// CommandStatus is returned for every Door Lock command. Zero means SUCCESS.
	CommandStatus uint8 `yaml:"command_status"`
}

type simAttr struct {
	dataType uint8
	value    any
}

type simNode struct {
	dev       SimDevice
	ieee      [8]byte
	attrs     map[uint16]map[uint16]simAttr
	bindings  map[uint16]bool
	reporting map[uint16]map[uint16]bool
}

// SimNCP implements NCP with an in-process simulated network.
type SimNCP struct {
	logger    *slog.Logger
	localIEEE [8]byte

	mu          sync.Mutex
	nodes       map[uint16]*simNode
	nextAddr    uint16
	network     NetworkConfig
	formed      bool
	started     bool
	closed      bool
	permitUntil time.Time

	// Indication callbacks.
	handlerMu  sync.RWMutex
	onJoined   func(DeviceJoinedEvent)
	onLeft     func(DeviceLeftEvent)
	onAnnounce func(DeviceAnnounceEvent)
	onReport   func(AttributeReportEvent)
}

// NewSimNCP creates a simulated network populated with devices.
// The devices join when the network is started.
func NewSimNCP(devices []SimDevice, logger *slog.Logger) (*SimNCP, error) {
	local, _ := ParseIEEE(simLocalIEEE)
	s := &SimNCP{
		logger:    logger,
		localIEEE: local,
		nodes:     make(map[uint16]*simNode),
		nextAddr:  simFirstShortAddr,
	}
	for _, d := range devices {
		if _, err := s.addNode(d); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *SimNCP) addNode(d SimDevice) (*simNode, error) {
	ieee, err := ParseIEEE(d.IEEE)
	if err != nil {
		return nil, fmt.Errorf("sim ncp: device %q: %w", d.IEEE, err)
	}
	for _, n := range s.nodes {
		if n.ieee == ieee {
			return nil, fmt.Errorf("sim ncp: duplicate device %s", FormatIEEE(ieee))
		}
	}
	if d.ShortAddr == 0 {
		for s.nodes[s.nextAddr] != nil {
			s.nextAddr++
		}
		d.ShortAddr = s.nextAddr
		s.nextAddr++
	} else if s.nodes[d.ShortAddr] != nil {
		return nil, fmt.Errorf("sim ncp: short address 0x%04X already in use", d.ShortAddr)
	}
	if d.Endpoint == 0 {
		d.Endpoint = 1
	}
	if d.DeviceType == 0 {
		d.DeviceType = simDeviceDoorLock
	}
	if len(d.InClusters) == 0 {
		d.InClusters = []uint16{clusters.BasicID, clusters.PowerConfigurationID, clusters.DoorLockID}
	}
	if d.PowerSource == 0 {
		d.PowerSource = 0x03
	}
	lockState := clusters.LockStateUnlocked
	if d.LockState != nil {
		lockState = *d.LockState
	}

	n := &simNode{
		dev:       d,
		ieee:      ieee,
		attrs:     make(map[uint16]map[uint16]simAttr),
		bindings:  make(map[uint16]bool),
		reporting: make(map[uint16]map[uint16]bool),
	}
	for _, c := range d.InClusters {
		switch c {
		case clusters.BasicID:
			n.attrs[c] = map[uint16]simAttr{
				0x0000:                        {zcl.TypeUint8, uint8(3)},
				clusters.AttrManufacturerName: {zcl.TypeCharStr, d.Manufacturer},
				clusters.AttrModelIdentifier:  {zcl.TypeCharStr, d.Model},
				clusters.AttrPowerSource:      {zcl.TypeEnum8, d.PowerSource},
			}
		case clusters.PowerConfigurationID:
			n.attrs[c] = map[uint16]simAttr{
				clusters.AttrBatteryPercentageRemaining: {zcl.TypeUint8, d.Battery},
			}
		case clusters.DoorLockID:
			n.attrs[c] = map[uint16]simAttr{
				clusters.AttrLockState:       {zcl.TypeEnum8, lockState},
				clusters.AttrLockType:        {zcl.TypeEnum8, uint8(0)},
				clusters.AttrActuatorEnabled: {zcl.TypeBool, true},
			}
		default:
			n.attrs[c] = map[uint16]simAttr{}
		}
	}
	s.nodes[d.ShortAddr] = n
	return n, nil
}

func (s *SimNCP) node(shortAddr uint16) (*simNode, error) {
	if s.closed {
		return nil, errors.New("sim ncp: closed")
	}
	n := s.nodes[shortAddr]
	if n == nil {
		return nil, fmt.Errorf("%w: 0x%04X", ErrUnknownDevice, shortAddr)
	}
	return n, nil
}

// sortedNodes returns nodes ordered by short address. Caller holds s.mu.
func (s *SimNCP) sortedNodes() []*simNode {
	addrs := make([]uint16, 0, len(s.nodes))
	for a := range s.nodes {
		addrs = append(addrs, a)
	}
	slices.Sort(addrs)
	out := make([]*simNode, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, s.nodes[a])
	}
	return out
}

func (s *SimNCP) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sim ncp: closed")
	}
	s.started = false
	s.logger.Debug("sim ncp reset")
	return nil
}

func (s *SimNCP) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sim ncp: closed")
	}
	return nil
}

func (s *SimNCP) FormNetwork(ctx context.Context, cfg NetworkConfig) error {
	if cfg.Channel < 11 || cfg.Channel > 26 {
		return fmt.Errorf("sim ncp: invalid channel %d", cfg.Channel)
	}
	s.mu.Lock()
	s.network = cfg
	s.formed = true
	s.mu.Unlock()
	s.logger.Info("sim network formed", "channel", cfg.Channel, "panID", fmt.Sprintf("0x%04X", cfg.PanID))
	return nil
}

// StartNetwork brings the network up. Every simulated device joins and
// announces itself.
func (s *SimNCP) StartNetwork(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("sim ncp: closed")
	}
	if !s.formed {
		s.mu.Unlock()
		return errors.New("sim ncp: network not formed")
	}
	s.started = true
	nodes := s.sortedNodes()
	s.mu.Unlock()

	for _, n := range nodes {
		s.emitJoin(n)
	}
	return nil
}

func (s *SimNCP) emitJoin(n *simNode) {
	s.handlerMu.RLock()
	onJoined, onAnnounce := s.onJoined, s.onAnnounce
	s.handlerMu.RUnlock()

	s.logger.Debug("sim device joined", "ieee", FormatIEEE(n.ieee), "short", fmt.Sprintf("0x%04X", n.dev.ShortAddr))
	if onJoined != nil {
		onJoined(DeviceJoinedEvent{ShortAddr: n.dev.ShortAddr, IEEEAddr: n.ieee})
	}
	capability := uint8(0x80)
	if n.dev.PowerSource == 0x01 {
		capability |= 0x04 // mains powered
	}
	if onAnnounce != nil {
		onAnnounce(DeviceAnnounceEvent{ShortAddr: n.dev.ShortAddr, IEEEAddr: n.ieee, Capability: capability})
	}
}

// AddDevice joins a new device while the network is open for joining.
func (s *SimNCP) AddDevice(d SimDevice) (uint16, error) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return 0, errors.New("sim ncp: network not started")
	}
	if time.Now().After(s.permitUntil) {
		s.mu.Unlock()
		return 0, errors.New("sim ncp: permit join closed")
	}
	n, err := s.addNode(d)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	s.emitJoin(n)
	return n.dev.ShortAddr, nil
}

func (s *SimNCP) PermitJoin(ctx context.Context, duration uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return errors.New("sim ncp: network not started")
	}
	s.permitUntil = time.Now().Add(time.Duration(duration) * time.Second)
	return nil
}

func (s *SimNCP) NetworkInfo(ctx context.Context) (*NetworkInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := &NetworkInfo{
		Channel:  s.network.Channel,
		PanID:    s.network.PanID,
		ExtPanID: s.network.ExtPanID,
	}
	if s.started {
		info.State = 2
	}
	return info, nil
}

func (s *SimNCP) GetLocalIEEE(ctx context.Context) ([8]byte, error) {
	return s.localIEEE, nil
}

func (s *SimNCP) ActiveEndpoints(ctx context.Context, shortAddr uint16) ([]uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.node(shortAddr)
	if err != nil {
		return nil, err
	}
	return []uint8{n.dev.Endpoint}, nil
}

func (s *SimNCP) SimpleDescriptor(ctx context.Context, shortAddr uint16, endpoint uint8) (*SimpleDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.node(shortAddr)
	if err != nil {
		return nil, err
	}
	if endpoint != n.dev.Endpoint {
		return nil, fmt.Errorf("sim ncp: endpoint %d not active on 0x%04X", endpoint, shortAddr)
	}
	return &SimpleDescriptor{
		Endpoint:    endpoint,
		ProfileID:   simProfileHA,
		DeviceID:    n.dev.DeviceType,
		InClusters:  slices.Clone(n.dev.InClusters),
		OutClusters: slices.Clone(n.dev.OutClusters),
	}, nil
}

func (s *SimNCP) Bind(ctx context.Context, req BindRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.node(req.TargetShortAddr)
	if err != nil {
		return err
	}
	if !slices.Contains(n.dev.OutClusters, req.ClusterID) && !slices.Contains(n.dev.InClusters, req.ClusterID) {
		return fmt.Errorf("sim ncp: bind: cluster 0x%04X not on device", req.ClusterID)
	}
	n.bindings[req.ClusterID] = true
	return nil
}

// MgmtLeave removes the device from the network and reports it as left.
func (s *SimNCP) MgmtLeave(ctx context.Context, shortAddr uint16, ieeeAddr [8]byte) error {
	s.mu.Lock()
	n, err := s.node(shortAddr)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if n.ieee != ieeeAddr {
		s.mu.Unlock()
		return fmt.Errorf("sim ncp: leave: 0x%04X is %s, not %s", shortAddr, FormatIEEE(n.ieee), FormatIEEE(ieeeAddr))
	}
	delete(s.nodes, shortAddr)
	s.mu.Unlock()

	s.handlerMu.RLock()
	onLeft := s.onLeft
	s.handlerMu.RUnlock()
	if onLeft != nil {
		onLeft(DeviceLeftEvent{ShortAddr: shortAddr, IEEEAddr: ieeeAddr})
	}
	return nil
}

func (s *SimNCP) ReadAttributes(ctx context.Context, req ReadAttributesRequest) ([]AttributeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.node(req.DstAddr)
	if err != nil {
		return nil, err
	}
	attrs, ok := n.attrs[req.ClusterID]
	if !ok {
		return nil, fmt.Errorf("sim ncp: read: cluster 0x%04X: %s", req.ClusterID, zcl.StatusUnsupClusterCmd)
	}
	results := make([]AttributeResponse, 0, len(req.AttrIDs))
	for _, id := range req.AttrIDs {
		a, ok := attrs[id]
		if !ok {
			results = append(results, AttributeResponse{AttrID: id, Status: zcl.StatusUnsupportedAttr})
			continue
		}
		raw, err := zcl.EncodeValue(a.dataType, a.value)
		if err != nil {
			return nil, fmt.Errorf("sim ncp: encode attr 0x%04X: %w", id, err)
		}
		results = append(results, AttributeResponse{AttrID: id, Status: zcl.StatusSuccess, DataType: a.dataType, Value: raw})
	}
	return results, nil
}

func (s *SimNCP) WriteAttributes(ctx context.Context, req WriteAttributesRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.node(req.DstAddr)
	if err != nil {
		return err
	}
	attrs, ok := n.attrs[req.ClusterID]
	if !ok {
		return fmt.Errorf("sim ncp: write: cluster 0x%04X: %s", req.ClusterID, zcl.StatusUnsupClusterCmd)
	}
	for _, r := range req.Records {
		cur, ok := attrs[r.AttrID]
		if !ok {
			return fmt.Errorf("sim ncp: write attr 0x%04X: %s", r.AttrID, zcl.StatusUnsupportedAttr)
		}
		if cur.dataType != r.DataType {
			return fmt.Errorf("sim ncp: write attr 0x%04X: %s", r.AttrID, zcl.StatusInvalidDataType)
		}
		val, _, err := zcl.DecodeValue(r.DataType, r.Value)
		if err != nil {
			return fmt.Errorf("sim ncp: write attr 0x%04X: %w", r.AttrID, err)
		}
		attrs[r.AttrID] = simAttr{dataType: r.DataType, value: val}
	}
	return nil
}

// SendCommand applies a Door Lock command and reports the resulting LockState.
func (s *SimNCP) SendCommand(ctx context.Context, req ClusterCommandRequest) (zcl.Status, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	n, err := s.node(req.DstAddr)
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	attrs, ok := n.attrs[req.ClusterID]
	if !ok || req.ClusterID != clusters.DoorLockID {
		s.mu.Unlock()
		return zcl.StatusUnsupClusterCmd, nil
	}
	if n.dev.CommandStatus != 0 {
		s.mu.Unlock()
		return zcl.Status(n.dev.CommandStatus), nil
	}
	current, _ := zcl.AsUint(attrs[clusters.AttrLockState].value)
	var next uint8
	switch req.CommandID {
	case clusters.CmdLockDoor:
		next = clusters.LockStateLocked
	case clusters.CmdUnlockDoor:
		next = clusters.LockStateUnlocked
	case clusters.CmdToggle:
		next = clusters.LockStateLocked
		if uint8(current) == clusters.LockStateLocked {
			next = clusters.LockStateUnlocked
		}
	default:
		s.mu.Unlock()
		return zcl.StatusUnsupClusterCmd, nil
	}
	attrs[clusters.AttrLockState] = simAttr{dataType: zcl.TypeEnum8, value: next}
	ep := n.dev.Endpoint
	s.mu.Unlock()

	s.logger.Debug("sim door lock command", "short", fmt.Sprintf("0x%04X", req.DstAddr), "cmd", req.CommandID, "lock_state", next)
	s.report(req.DstAddr, ep, clusters.DoorLockID, clusters.AttrLockState, zcl.TypeEnum8, next)
	return zcl.StatusSuccess, nil
}

// SetLockState changes a lock's state locally, as if operated by hand,
// and reports the new LockState.
func (s *SimNCP) SetLockState(shortAddr uint16, state uint8) error {
	s.mu.Lock()
	n, err := s.node(shortAddr)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	attrs, ok := n.attrs[clusters.DoorLockID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("sim ncp: 0x%04X has no door lock cluster", shortAddr)
	}
	attrs[clusters.AttrLockState] = simAttr{dataType: zcl.TypeEnum8, value: state}
	ep := n.dev.Endpoint
	s.mu.Unlock()

	s.report(shortAddr, ep, clusters.DoorLockID, clusters.AttrLockState, zcl.TypeEnum8, state)
	return nil
}

func (s *SimNCP) report(shortAddr uint16, ep uint8, clusterID, attrID uint16, dataType uint8, value any) {
	raw, err := zcl.EncodeValue(dataType, value)
	if err != nil {
		s.logger.Error("sim ncp: encode report", "err", err)
		return
	}
	s.handlerMu.RLock()
	onReport := s.onReport
	s.handlerMu.RUnlock()
	if onReport == nil {
		return
	}
	onReport(AttributeReportEvent{
		SrcAddr:   shortAddr,
		SrcEP:     ep,
		ClusterID: clusterID,
		AttrID:    attrID,
		DataType:  dataType,
		Value:     raw,
		LQI:       255,
		RSSI:      -40,
	})
}

func (s *SimNCP) ConfigureReporting(ctx context.Context, req ConfigureReportingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.node(req.DstAddr)
	if err != nil {
		return err
	}
	attrs, ok := n.attrs[req.ClusterID]
	if !ok {
		return fmt.Errorf("sim ncp: configure reporting: cluster 0x%04X: %s", req.ClusterID, zcl.StatusUnsupClusterCmd)
	}
	if _, ok := attrs[req.AttrID]; !ok {
		return fmt.Errorf("sim ncp: configure reporting attr 0x%04X: %s", req.AttrID, zcl.StatusUnsupportedAttr)
	}
	if n.reporting[req.ClusterID] == nil {
		n.reporting[req.ClusterID] = make(map[uint16]bool)
	}
	n.reporting[req.ClusterID][req.AttrID] = true
	return nil
}

func (s *SimNCP) OnDeviceJoined(handler func(DeviceJoinedEvent)) {
	s.handlerMu.Lock()
	s.onJoined = handler
	s.handlerMu.Unlock()
}

func (s *SimNCP) OnDeviceLeft(handler func(DeviceLeftEvent)) {
	s.handlerMu.Lock()
	s.onLeft = handler
	s.handlerMu.Unlock()
}

func (s *SimNCP) OnDeviceAnnounce(handler func(DeviceAnnounceEvent)) {
	s.handlerMu.Lock()
	s.onAnnounce = handler
	s.handlerMu.Unlock()
}

func (s *SimNCP) OnAttributeReport(handler func(AttributeReportEvent)) {
	s.handlerMu.Lock()
	s.onReport = handler
	s.handlerMu.Unlock()
}

func (s *SimNCP) GetNCPInfo() *NCPInfo {
	return &NCPInfo{FWVersion: 1, StackVersion: "sim", ProtocolVersion: 1}
}

func (s *SimNCP) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
