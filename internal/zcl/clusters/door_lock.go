package clusters

import "zigbee-lock-hub/internal/zcl"

// Door Lock attribute and command IDs.
const (
	DoorLockID uint16 = 0x0101

	AttrLockState       uint16 = 0x0000
	AttrLockType        uint16 = 0x0001
	AttrActuatorEnabled uint16 = 0x0002
	AttrDoorState       uint16 = 0x0003

	CmdLockDoor   uint8 = 0x00
	CmdUnlockDoor uint8 = 0x01
	CmdToggle     uint8 = 0x02
)

// LockState attribute values.
const (
	LockStateNotFullyLocked uint8 = 0x00
	LockStateLocked         uint8 = 0x01
	LockStateUnlocked       uint8 = 0x02
	LockStateUndefined      uint8 = 0xFF
)

var DoorLock = zcl.ClusterDef{
	ID:   DoorLockID,
	Name: "Door Lock",
	Attributes: []zcl.AttributeDef{
		{ID: AttrLockState, Name: "LockState", Type: zcl.TypeEnum8, Access: zcl.AccessRead | zcl.AccessReport},
		{ID: AttrLockType, Name: "LockType", Type: zcl.TypeEnum8, Access: zcl.AccessRead},
		{ID: AttrActuatorEnabled, Name: "ActuatorEnabled", Type: zcl.TypeBool, Access: zcl.AccessRead},
		{ID: AttrDoorState, Name: "DoorState", Type: zcl.TypeEnum8, Access: zcl.AccessRead | zcl.AccessReport},
	},
	Commands: []zcl.CommandDef{
		{ID: CmdLockDoor, Name: "LockDoor", Direction: zcl.DirectionToServer},
		{ID: CmdUnlockDoor, Name: "UnlockDoor", Direction: zcl.DirectionToServer},
		{ID: CmdToggle, Name: "Toggle", Direction: zcl.DirectionToServer},
		{ID: 0x00, Name: "LockDoorResponse", Direction: zcl.DirectionToClient},
		{ID: 0x01, Name: "UnlockDoorResponse", Direction: zcl.DirectionToClient},
	},
}
