package clusters

import "zigbee-lock-hub/internal/zcl"

const (
	PowerConfigurationID uint16 = 0x0001

	AttrBatteryVoltage             uint16 = 0x0020
	AttrBatteryPercentageRemaining uint16 = 0x0021
)

var PowerConfiguration = zcl.ClusterDef{
	ID:   PowerConfigurationID,
	Name: "Power Configuration",
	Attributes: []zcl.AttributeDef{
		{ID: AttrBatteryVoltage, Name: "BatteryVoltage", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: AttrBatteryPercentageRemaining, Name: "BatteryPercentageRemaining", Type: zcl.TypeUint8, Access: zcl.AccessRead | zcl.AccessReport},
	},
}

// Standard returns the clusters the hub registers at startup.
func Standard() []zcl.ClusterDef {
	return []zcl.ClusterDef{Basic, PowerConfiguration, DoorLock}
}
