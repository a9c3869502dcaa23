package wire

import (
	"encoding/json"
	"fmt"
)

// PayloadKind tags the first byte of an envelope's body so a receiver can dispatch to the right Go type before
// unmarshalling the remainder as JSON.
type PayloadKind uint8

const (
	KindClientHello PayloadKind = iota + 1
	KindMoveInput
	KindUseSkillInput
	KindChatPayload
	KindMapTransferDirective
	KindServerError
	KindRoutePlacement
	KindStateDelta
	KindHandoffOffer
	KindHandoffAck
	KindHandoffNack
	KindServerShutdown
)

// ClientHello is the first message a client sends on the Control channel after opening a QUIC connection.
type ClientHello struct {
	ProtocolVersion uint16 `json:"protocol_version"`
	AuthToken       string `json:"auth_token"`
}

// MoveInput is an authoritative-movement request; dx/dz are deltas in world units for the current tick.
type MoveInput struct {
	ClientTick uint32  `json:"client_tick"`
	DX         float64 `json:"dx"`
	DZ         float64 `json:"dz"`
}

// UseSkillInput requests resolution of a skill against an optional target entity.
type UseSkillInput struct {
	ClientTick uint32 `json:"client_tick"`
	SkillID    uint32 `json:"skill_id"`
	TargetID   uint64 `json:"target_id,omitempty"`
}

// ChatChannel classifies a chat message for hub scope selection.
type ChatChannel string

const (
	ChatLocal   ChatChannel = "local"
	ChatWhisper ChatChannel = "whisper"
	ChatWorld   ChatChannel = "world"
)

// ChatPayload carries a single chat message; Target is the recipient character name for whispers.
type ChatPayload struct {
	Channel ChatChannel `json:"channel"`
	Target  string      `json:"target,omitempty"`
	Text    string      `json:"text"`
}

// MapTransferDirective is issued by a source map server to the runtime supervisor when a player crosses a portal or
// an admin command requests relocation.
type MapTransferDirective struct {
	TargetRoute RouteKey `json:"target_route"`
	X           float64  `json:"x"`
	Y           float64  `json:"y"`
	Z           float64  `json:"z"`
}

// RouteKey mirrors the runtime's RouteKey over the wire: a 4-tuple addressing one map instance.
type RouteKey struct {
	WorldID    uint16 `json:"world_id"`
	EntryID    uint16 `json:"entry_id"`
	MapID      uint16 `json:"map_id"`
	InstanceID uint16 `json:"instance_id"`
}

// ServerError is delivered on the offending channel whenever an application-level error occurs.
type ServerError struct {
	Kind string `json:"kind"`
}

// RoutePlacement is the gateway's successful reply to ClientHello.
type RoutePlacement struct {
	Route RouteKey `json:"route"`
}

// EntityDelta is one AOI-filtered entity update within a StateDelta broadcast: either a player or a monster,
// distinguished by Kind so a single slice can carry both without two parallel arrays.
type EntityDelta struct {
	Kind        string  `json:"kind"` // "player" or "monster"
	EntityID    string  `json:"entity_id"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	Z           float64 `json:"z"`
	HP          int32   `json:"hp"`
	MaxHP       int32   `json:"max_hp"`
	AIState     uint8   `json:"ai_state,omitempty"`
	AppliedTick uint32  `json:"applied_tick,omitempty"`
}

// StateDelta is the per-player outbound broadcast assembled at the end of a tick: every entity within the
// receiving player's AOI radius that changed this tick.
type StateDelta struct {
	Tick     uint64        `json:"tick"`
	Entities []EntityDelta `json:"entities"`
}

// HandoffOffer is sent on the Control channel to the destination map server's gateway connection to reserve a slot
// for an incoming player snapshot during a map transfer.
type HandoffOffer struct {
	SessionID   string   `json:"session_id"`
	CharacterID string   `json:"character_id"`
	Route       RouteKey `json:"route"`
	X           float64  `json:"x"`
	Y           float64  `json:"y"`
	Z           float64  `json:"z"`
	HP          int32    `json:"hp"`
	MaxHP       int32    `json:"max_hp"`
}

// HandoffAck confirms the destination accepted a HandoffOffer; the source map only removes the player after seeing
// this.
type HandoffAck struct {
	SessionID string   `json:"session_id"`
	Route     RouteKey `json:"route"`
}

// HandoffNack rejects a HandoffOffer (target full, target offline, etc); the source returns the player to their
// pre-transfer position with TRANSFER_FAILED.
type HandoffNack struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason"`
}

// ServerShutdown is broadcast on the Control channel to every connection when the runtime supervisor begins a
// graceful shutdown.
type ServerShutdown struct {
	Message string `json:"message"`
}

func encodeBody(kind PayloadKind, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	body := make([]byte, 1+len(data))
	body[0] = byte(kind)
	copy(body[1:], data)
	return body, nil
}

// newEnvelope builds and encodes an envelope carrying the given typed payload on the given channel and sequence.
func newEnvelope(channelID uint8, seq uint32, flags uint8, kind PayloadKind, v any) ([]byte, error) {
	body, err := encodeBody(kind, v)
	if err != nil {
		return nil, err
	}
	return Envelope{
		ProtocolVersion: ProtocolVersion,
		ChannelID:       channelID,
		Sequence:        seq,
		Flags:           flags,
		Body:            body,
	}.Encode(), nil
}

// NewClientHelloFrame encodes a ClientHello for transmission on the Control channel.
func NewClientHelloFrame(seq uint32, channelID uint8, hello ClientHello) ([]byte, error) {
	return newEnvelope(channelID, seq, FlagNone, KindClientHello, hello)
}

// NewMoveInputFrame encodes a MoveInput for transmission on the GameplayInput channel.
func NewMoveInputFrame(seq uint32, channelID uint8, in MoveInput) ([]byte, error) {
	return newEnvelope(channelID, seq, FlagNone, KindMoveInput, in)
}

// NewUseSkillInputFrame encodes a UseSkillInput for transmission on the GameplayInput channel.
func NewUseSkillInputFrame(seq uint32, channelID uint8, in UseSkillInput) ([]byte, error) {
	return newEnvelope(channelID, seq, FlagNone, KindUseSkillInput, in)
}

// NewChatPayloadFrame encodes a ChatPayload for transmission on the Chat channel.
func NewChatPayloadFrame(seq uint32, channelID uint8, chat ChatPayload) ([]byte, error) {
	return newEnvelope(channelID, seq, FlagNone, KindChatPayload, chat)
}

// NewMapTransferDirectiveFrame encodes a MapTransferDirective for transmission on the Control channel.
func NewMapTransferDirectiveFrame(seq uint32, channelID uint8, d MapTransferDirective) ([]byte, error) {
	return newEnvelope(channelID, seq, FlagNone, KindMapTransferDirective, d)
}

// NewServerErrorFrame encodes a ServerError for delivery on the channel that produced the error.
func NewServerErrorFrame(seq uint32, channelID uint8, kind string) ([]byte, error) {
	return newEnvelope(channelID, seq, FlagNone, KindServerError, ServerError{Kind: kind})
}

// NewRoutePlacementFrame encodes a RoutePlacement reply to a ClientHello.
func NewRoutePlacementFrame(seq uint32, channelID uint8, route RouteKey) ([]byte, error) {
	return newEnvelope(channelID, seq, FlagNone, KindRoutePlacement, RoutePlacement{Route: route})
}

// NewStateDeltaFrame encodes a StateDelta for transmission on the GameplayEvent channel, a reliable stream, at most
// once per tick per player.
func NewStateDeltaFrame(seq uint32, channelID uint8, delta StateDelta) ([]byte, error) {
	return newEnvelope(channelID, seq, FlagNone, KindStateDelta, delta)
}

// NewHandoffOfferFrame encodes a HandoffOffer for transmission on the Control channel.
func NewHandoffOfferFrame(seq uint32, channelID uint8, offer HandoffOffer) ([]byte, error) {
	return newEnvelope(channelID, seq, FlagNone, KindHandoffOffer, offer)
}

// NewHandoffAckFrame encodes a HandoffAck for transmission on the Control channel.
func NewHandoffAckFrame(seq uint32, channelID uint8, ack HandoffAck) ([]byte, error) {
	return newEnvelope(channelID, seq, FlagNone, KindHandoffAck, ack)
}

// NewHandoffNackFrame encodes a HandoffNack for transmission on the Control channel.
func NewHandoffNackFrame(seq uint32, channelID uint8, nack HandoffNack) ([]byte, error) {
	return newEnvelope(channelID, seq, FlagNone, KindHandoffNack, nack)
}

// NewServerShutdownFrame encodes a ServerShutdown for broadcast on the Control channel to every open connection.
func NewServerShutdownFrame(seq uint32, channelID uint8, msg string) ([]byte, error) {
	return newEnvelope(channelID, seq, FlagNone, KindServerShutdown, ServerShutdown{Message: msg})
}

// DecodePayload decodes an envelope's body into its typed payload kind and a ready-to-unmarshal JSON remainder.
// Callers type-switch on kind and json.Unmarshal the remainder into the matching struct.
func DecodePayload(body []byte) (PayloadKind, []byte, error) {
	if len(body) < 1 {
		return 0, nil, ErrMalformed
	}
	return PayloadKind(body[0]), body[1:], nil
}
