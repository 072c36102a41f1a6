// Package frame implements the on-air wire format: magic-tagged,
// length-delimited, CRC-checked packets exchanged with the radio over the
// serial link. The codec is resynchronizable — any framing failure discards
// bytes up to the next plausible magic boundary instead of giving up on the
// stream, and it never panics on malformed input.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/stlalpha/meshbbs/internal/logging"
)

const (
	magic1 = 0x7E
	magic2 = 0x81

	// headerLen is magic(2) + type(1) + length(2).
	headerLen = 5
	// crcLen is the trailing checksum.
	crcLen = 2

	// MaxPayload bounds a single frame's payload, matching the radio's
	// 230-byte text budget plus a little room for addressing fields.
	MaxPayload = 240
)

// Type tags the payload layout of a frame.
type Type byte

const (
	TypeTextBroadcast Type = 0x01
	TypeTextUnicast   Type = 0x02
	TypeAck           Type = 0x03
	TypeRoutingError  Type = 0x04
	TypeLocalNodeID   Type = 0x05
	TypeNodeInfo      Type = 0x06
	TypePing          Type = 0x07
)

// Kind identifies which event constructor produced an Event.
type Kind int

const (
	KindText Kind = iota
	KindNodeDetection
	KindAck
	KindRoutingError
	KindLocalNodeID
)

// TextEvent carries an inbound text payload, broadcast or unicast.
type TextEvent struct {
	FromNode    uint32
	Channel     byte
	Payload     []byte
	IsBroadcast bool
	PacketID    uint32
}

// NodeDetection reports a node seen on the mesh, from NodeInfo traffic.
type NodeDetection struct {
	NodeKey         uint32
	DisplayName     string
	FromStartupScan bool
}

// AckEvent indicates packet id was acknowledged at the routing layer.
type AckEvent struct {
	PacketID uint32
}

// RoutingErrorEvent reports a terminal delivery failure for a packet.
type RoutingErrorEvent struct {
	PacketID uint32
	Reason   string
}

// Event is a tagged union over the five inbound event kinds the Reader
// surfaces to the rest of the system.
type Event struct {
	Kind        Kind
	Text        TextEvent
	Node        NodeDetection
	Ack         AckEvent
	RoutingErr  RoutingErrorEvent
	LocalNodeID uint32
}

// Codec accumulates bytes read from the serial link and emits decoded
// Events. It is not safe for concurrent use; the Reader task owns it.
type Codec struct {
	buf []byte
}

// NewCodec returns an empty Codec.
func NewCodec() *Codec {
	return &Codec{}
}

// Feed appends newly read bytes and decodes as many complete, valid frames
// as are available. It never returns an error and never panics: malformed
// or corrupt framing is logged at debug level and the codec resyncs by
// scanning forward for the next magic boundary.
func (c *Codec) Feed(data []byte) []Event {
	c.buf = append(c.buf, data...)
	var events []Event
	for {
		ev, consumed, ok := c.tryDecodeOne()
		if consumed == 0 {
			break
		}
		c.buf = c.buf[consumed:]
		if ok {
			events = append(events, ev)
		}
	}
	return events
}

// tryDecodeOne attempts to decode a single frame from the front of the
// buffer. It returns consumed=0 if more bytes are needed. On a framing
// failure it returns consumed>0 (bytes to discard while resyncing) and
// ok=false.
func (c *Codec) tryDecodeOne() (Event, int, bool) {
	buf := c.buf
	idx := findMagic(buf)
	if idx < 0 {
		// No magic anywhere in the buffer; keep only the last byte in case
		// it's a split magic1, discard the rest.
		if len(buf) > 1 {
			return Event{}, len(buf) - 1, false
		}
		return Event{}, 0, false
	}
	if idx > 0 {
		logging.Debug("frame: discarding %d bytes before resync", idx)
		return Event{}, idx, false
	}
	if len(buf) < headerLen {
		return Event{}, 0, false
	}
	typ := Type(buf[2])
	length := int(binary.BigEndian.Uint16(buf[3:5]))
	if length > MaxPayload {
		logging.Debug("frame: oversized length %d, resyncing", length)
		return Event{}, 1, false
	}
	total := headerLen + length + crcLen
	if len(buf) < total {
		return Event{}, 0, false
	}
	payload := buf[headerLen : headerLen+length]
	wantCRC := binary.BigEndian.Uint16(buf[headerLen+length : total])
	gotCRC := CRC16(buf[2 : headerLen+length])
	if gotCRC != wantCRC {
		logging.Debug("frame: checksum mismatch, resyncing")
		return Event{}, 1, false
	}
	ev, err := decodePayload(typ, payload)
	if err != nil {
		logging.Debug("frame: %v, resyncing", err)
		return Event{}, total, false
	}
	return ev, total, true
}

func findMagic(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == magic1 && buf[i+1] == magic2 {
			return i
		}
	}
	return -1
}

func decodePayload(typ Type, payload []byte) (Event, error) {
	switch typ {
	case TypeTextBroadcast, TypeTextUnicast:
		if len(payload) < 5 {
			return Event{}, fmt.Errorf("text frame too short: %d bytes", len(payload))
		}
		from := binary.BigEndian.Uint32(payload[0:4])
		channel := payload[4]
		var packetID uint32
		text := payload[5:]
		if typ == TypeTextUnicast {
			if len(payload) < 9 {
				return Event{}, fmt.Errorf("unicast text frame too short: %d bytes", len(payload))
			}
			packetID = binary.BigEndian.Uint32(payload[5:9])
			text = payload[9:]
		}
		return Event{Kind: KindText, Text: TextEvent{
			FromNode:    from,
			Channel:     channel,
			Payload:     append([]byte(nil), text...),
			IsBroadcast: typ == TypeTextBroadcast,
			PacketID:    packetID,
		}}, nil
	case TypeNodeInfo:
		if len(payload) < 5 {
			return Event{}, fmt.Errorf("node-info frame too short: %d bytes", len(payload))
		}
		key := binary.BigEndian.Uint32(payload[0:4])
		fromStartup := payload[4] != 0
		name := string(payload[5:])
		return Event{Kind: KindNodeDetection, Node: NodeDetection{
			NodeKey:         key,
			DisplayName:     name,
			FromStartupScan: fromStartup,
		}}, nil
	case TypeAck:
		if len(payload) < 4 {
			return Event{}, fmt.Errorf("ack frame too short: %d bytes", len(payload))
		}
		return Event{Kind: KindAck, Ack: AckEvent{
			PacketID: binary.BigEndian.Uint32(payload[0:4]),
		}}, nil
	case TypeRoutingError:
		if len(payload) < 5 {
			return Event{}, fmt.Errorf("routing-error frame too short: %d bytes", len(payload))
		}
		pid := binary.BigEndian.Uint32(payload[0:4])
		reasonLen := int(payload[4])
		if len(payload) < 5+reasonLen {
			return Event{}, fmt.Errorf("routing-error reason truncated")
		}
		return Event{Kind: KindRoutingError, RoutingErr: RoutingErrorEvent{
			PacketID: pid,
			Reason:   string(payload[5 : 5+reasonLen]),
		}}, nil
	case TypeLocalNodeID:
		if len(payload) < 4 {
			return Event{}, fmt.Errorf("local-node-id frame too short: %d bytes", len(payload))
		}
		return Event{Kind: KindLocalNodeID, LocalNodeID: binary.BigEndian.Uint32(payload[0:4])}, nil
	default:
		return Event{}, fmt.Errorf("unknown frame type 0x%02x", byte(typ))
	}
}

func buildFrame(typ Type, payload []byte) []byte {
	out := make([]byte, 0, headerLen+len(payload)+crcLen)
	out = append(out, magic1, magic2, byte(typ))
	out = binary.BigEndian.AppendUint16(out, uint16(len(payload)))
	out = append(out, payload...)
	crc := CRC16(out[2:])
	out = binary.BigEndian.AppendUint16(out, crc)
	return out
}

// EncodeTextBroadcast builds an outbound broadcast text frame.
func EncodeTextBroadcast(fromNode uint32, channel byte, text []byte) []byte {
	payload := make([]byte, 0, 5+len(text))
	payload = binary.BigEndian.AppendUint32(payload, fromNode)
	payload = append(payload, channel)
	payload = append(payload, text...)
	return buildFrame(TypeTextBroadcast, payload)
}

// EncodeTextUnicast builds an outbound unicast text frame carrying packetID
// for ACK correlation. fromNode is the local node id embedded for device
// firmware that expects it on the wire.
func EncodeTextUnicast(fromNode uint32, channel byte, packetID uint32, text []byte) []byte {
	payload := make([]byte, 0, 9+len(text))
	payload = binary.BigEndian.AppendUint32(payload, fromNode)
	payload = append(payload, channel)
	payload = binary.BigEndian.AppendUint32(payload, packetID)
	payload = append(payload, text...)
	return buildFrame(TypeTextUnicast, payload)
}

// EncodePing builds an outbound ping frame (a zero-length unicast text frame
// with ACK requested, used only for reachability probes).
func EncodePing(fromNode uint32, channel byte, packetID uint32) []byte {
	return EncodeTextUnicast(fromNode, channel, packetID, nil)
}
