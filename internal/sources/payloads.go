package sources

import (
	"github.com/mdlayher/netlink"
	"github.com/pkg/errors"

	"github.com/procwatch/agent/internal/events"
)

// Netlink attributes enum (see kernel/communication.h)
const (
	attributePid uint16 = iota + 1 // Starts from 1
	attributeParentPid
	attributeTransition
	attributeTimestampNs
	attributeComm
	attributeCommandLine
)

func encodeRawEvent(rawEvent *events.RawEvent) ([]byte, error) {
	encoder := netlink.NewAttributeEncoder()
	encoder.Uint32(attributePid, rawEvent.Pid)
	encoder.Uint32(attributeParentPid, rawEvent.ParentPid)
	encoder.Uint8(attributeTransition, uint8(rawEvent.Transition))
	encoder.Uint64(attributeTimestampNs, rawEvent.TimestampNs)
	if rawEvent.Name != "" {
		encoder.String(attributeComm, rawEvent.Name)
	}
	if rawEvent.CommandLine != "" {
		encoder.String(attributeCommandLine, rawEvent.CommandLine)
	}
	return encoder.Encode()
}

func decodeRawEvent(data []byte) (*events.RawEvent, error) {
	decoder, err := netlink.NewAttributeDecoder(data)
	if err != nil {
		return nil, err
	}

	rawEvent := &events.RawEvent{}
	for decoder.Next() {
		switch decoder.Type() {
		case attributePid:
			rawEvent.Pid = decoder.Uint32()
		case attributeParentPid:
			rawEvent.ParentPid = decoder.Uint32()
		case attributeTransition:
			rawEvent.Transition = events.RawTransition(decoder.Uint8())
		case attributeTimestampNs:
			rawEvent.TimestampNs = decoder.Uint64()
		case attributeComm:
			rawEvent.Name = decoder.String()
		case attributeCommandLine:
			rawEvent.CommandLine = decoder.String()
		default:
			return nil, errors.WithMessagef(ErrMalformedEvent, "invalid attribute type ('%d')", decoder.Type())
		}
	}

	if err := decoder.Err(); err != nil {
		return nil, errors.WithMessage(err, "malformed attributes")
	}

	if rawEvent.Pid == 0 || rawEvent.Transition == 0 {
		return nil, errors.WithMessage(ErrMalformedEvent, "missing pid or transition")
	}

	return rawEvent, nil
}
