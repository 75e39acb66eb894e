package h10

import (
	"context"
	"errors"
	"fmt"
)

var errShortPayload = errors.New("heart rate payload too short")

// decodeHeartRateData decodes a GATT Heart Rate Measurement payload.
func decodeHeartRateData(data []byte) (HeartRateMeasurement, error) {
	mapRr1024ToRrMs := func(rrsRaw int) int {
		return int(float64(rrsRaw) / 1024.0 * 1000.0)
	}

	if len(data) < 2 {
		return HeartRateMeasurement{}, fmt.Errorf("%w: %d byte(s)", errShortPayload, len(data))
	}

	hrFormat := int(data[0]) & 0x01
	sensorContact := int(data[0])&0x06>>1 == 0x03
	contactSupported := int(data[0])&0x04 != 0
	energyExpended := int(data[0]) & 0x08 >> 3
	rrPresent := int(data[0]) & 0x10 >> 4

	offset := hrFormat + 2
	if len(data) < offset {
		return HeartRateMeasurement{}, fmt.Errorf("%w: uint16 value needs 3 bytes, got %d", errShortPayload, len(data))
	}
	var hrValue int
	if hrFormat == 1 {
		hrValue = int(data[1])&0xFF + (int(data[2]) << 8)
	} else {
		hrValue = int(data[1]) & 0x000000FF
	}

	energy := 0
	if energyExpended == 1 {
		if len(data) < offset+2 {
			return HeartRateMeasurement{}, fmt.Errorf("%w: missing energy expended field", errShortPayload)
		}
		energy = (int(data[offset]) & 0xFF) + (int(data[offset+1]) & 0xFF << 8)
		offset += 2
	}
	rrs := make([]int, 0)
	rrsMs := make([]int, 0)
	if rrPresent == 1 {
		dataLen := len(data)
		// a trailing odd byte cannot hold an interval
		for offset+1 < dataLen {
			rrValue := (int(data[offset]) & 0xFF) + (int(data[offset+1]) & 0xFF << 8)
			offset += 2
			rrs = append(rrs, rrValue)
			rrsMs = append(rrsMs, mapRr1024ToRrMs(rrValue))
		}
	}
	return HeartRateMeasurement{
		hrValue:                hrValue,
		sensorContact:          sensorContact,
		energy:                 energy,
		rrs:                    rrs,
		rrsMs:                  rrsMs,
		sensorContactSupported: contactSupported,
		rrPresent:              rrPresent == 1,
	}, nil
}

func suppressCancellationError(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
