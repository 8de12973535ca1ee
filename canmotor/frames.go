package canmotor

import (
	"encoding/binary"
	"math"

	"github.com/go-daq/canbus"
)

// Identifier layout: standard 11-bit frames, function code in the high bits,
// node id in the low four. Host-to-node commands sit in the 0x200-0x4FF
// range, node-to-host traffic above 0x500.
const (
	nodeMask uint32 = 0x00F

	funcMotorPosition uint32 = 0x200 // int32 target, unbounded units
	funcMotorVelocity uint32 = 0x240 // int32 target, units/second
	funcMotorSeed     uint32 = 0x280 // int32 new integrated position
	funcMotorStop     uint32 = 0x2C0 // empty, cut output
	funcMotorParam    uint32 = 0x300 // param id + float32 value
	funcOffsetRead    uint32 = 0x3C0 // empty, request stored offset
	funcOffsetWrite   uint32 = 0x400 // int32 offset, persist to flash
	funcMotorStatus   uint32 = 0x580 // int32 position + int32 velocity
	funcEncoderStatus uint32 = 0x5C0 // int32 angle + uint16 volts + int16 temp
	funcOffsetReport  uint32 = 0x600 // int32 stored offset
	funcOffsetAck     uint32 = 0x640 // status byte for a persist request
)

// Configuration parameter ids carried by funcMotorParam frames.
const (
	paramPositionScale byte = 0x01
	paramVelocityScale byte = 0x02
	paramKP            byte = 0x10
	paramKI            byte = 0x11
	paramKD            byte = 0x12
	paramKF            byte = 0x13
	paramInverted      byte = 0x20
	paramBrake         byte = 0x21
)

// Fixed-point scalars for frame payloads. Positions and velocities travel as
// int32 ticks of 1/128 unit; the encoder's housekeeping fields use a coarser
// 1/16 tick.
const (
	unitsPerTick   = 1.0 / 128
	voltsPerTick   = 0.0625
	celsiusPerTick = 0.0625
)

func packTicks(v float64) int32 {
	return int32(math.Round(v / unitsPerTick))
}

func ticksToUnits(t int32) float64 {
	return float64(t) * unitsPerTick
}

func valueFrame(id uint32, v float64) canbus.Frame {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, uint32(packTicks(v)))
	return canbus.Frame{ID: id, Data: data, Kind: canbus.SFF}
}

func positionFrame(node uint8, deg float64) canbus.Frame {
	return valueFrame(funcMotorPosition|uint32(node), deg)
}

func velocityFrame(node uint8, v float64) canbus.Frame {
	return valueFrame(funcMotorVelocity|uint32(node), v)
}

func seedFrame(node uint8, deg float64) canbus.Frame {
	return valueFrame(funcMotorSeed|uint32(node), deg)
}

func stopFrame(node uint8) canbus.Frame {
	return canbus.Frame{ID: funcMotorStop | uint32(node), Kind: canbus.SFF}
}

func paramFrame(node uint8, param byte, value float32) canbus.Frame {
	data := make([]byte, 5)
	data[0] = param
	binary.LittleEndian.PutUint32(data[1:5], math.Float32bits(value))
	return canbus.Frame{ID: funcMotorParam | uint32(node), Data: data, Kind: canbus.SFF}
}

func boolParamFrame(node uint8, param byte, on bool) canbus.Frame {
	v := float32(0)
	if on {
		v = 1
	}
	return paramFrame(node, param, v)
}

func offsetReadFrame(node uint8) canbus.Frame {
	return canbus.Frame{ID: funcOffsetRead | uint32(node), Kind: canbus.SFF}
}

func offsetWriteFrame(node uint8, deg float64) canbus.Frame {
	return valueFrame(funcOffsetWrite|uint32(node), deg)
}

func parseMotorStatus(data []byte) (posDeg, vel float64, ok bool) {
	if len(data) < 8 {
		return 0, 0, false
	}
	pos := int32(binary.LittleEndian.Uint32(data[0:4]))
	v := int32(binary.LittleEndian.Uint32(data[4:8]))
	return ticksToUnits(pos), ticksToUnits(v), true
}

func parseEncoderStatus(data []byte) (angleDeg, volts, tempC float64, ok bool) {
	if len(data) < 8 {
		return 0, 0, 0, false
	}
	angle := int32(binary.LittleEndian.Uint32(data[0:4]))
	rawVolts := binary.LittleEndian.Uint16(data[4:6])
	rawTemp := int16(binary.LittleEndian.Uint16(data[6:8]))
	return ticksToUnits(angle), float64(rawVolts) * voltsPerTick, float64(rawTemp) * celsiusPerTick, true
}

func parseOffsetReport(data []byte) (offsetDeg float64, ok bool) {
	if len(data) < 4 {
		return 0, false
	}
	return ticksToUnits(int32(binary.LittleEndian.Uint32(data[0:4]))), true
}

func parseOffsetAck(data []byte) (code byte, ok bool) {
	if len(data) < 1 {
		return 0, false
	}
	return data[0], true
}
