package core

import "encoding/json"

// wireGroupMeta/wireMessageMeta are the canonical, deterministic
// encodings signed and hashed per spec §3/§6 ("bit-stable across
// implementations for interop"). encoding/json on a fixed struct
// produces stable field ordering, which is all the wire invariant
// requires; a real interop wire format would need a language-neutral
// codec, but that's the network/sync layer's concern (out of core
// scope per spec §1).
type wireKeyRecord struct {
	Role     KeyRole     `json:"role"`
	Material KeyMaterial `json:"material"`
	Bytes    []byte      `json:"bytes"`
}

type wireGroupMeta struct {
	AuthorID    string          `json:"author_id,omitempty"`
	Privacy     PrivacyClass    `json:"privacy"`
	OptionFlags uint32          `json:"option_flags"`
	PublishTS   int64           `json:"publish_ts"`
	ParentID    string          `json:"parent_id,omitempty"`
	CircleType  CircleType      `json:"circle_type"`
	CircleID    string          `json:"circle_id,omitempty"`
	Keys        map[string]wireKeyRecord `json:"keys"`
	Service     string          `json:"service,omitempty"`
	Cutoff      int64           `json:"cutoff,omitempty"`
}

// SerializePublicGroupMeta builds the canonical `serialized_public_meta`
// buffer: only public key material ever crosses this boundary.
func SerializePublicGroupMeta(m GroupMeta) []byte {
	w := wireGroupMeta{
		AuthorID:    m.AuthorID,
		Privacy:     m.Privacy,
		OptionFlags: m.OptionFlags,
		PublishTS:   m.PublishTS.UnixNano(),
		ParentID:    m.ParentID,
		CircleType:  m.Circle.Type,
		CircleID:    m.Circle.ID,
		Service:     m.Service,
		Cutoff:      m.Cutoff,
	}
	pub := m.Keys.PublicOnly()
	w.Keys = make(map[string]wireKeyRecord, len(pub))
	for id, r := range pub {
		w.Keys[id] = wireKeyRecord{Role: r.Role, Material: r.Material, Bytes: r.Bytes}
	}
	buf, _ := json.Marshal(w)
	return buf
}

// GroupSignedBuffer is `payload‖serialized_public_meta` (spec §6).
func GroupSignedBuffer(payload []byte, m GroupMeta) []byte {
	out := make([]byte, 0, len(payload)+64)
	out = append(out, payload...)
	out = append(out, SerializePublicGroupMeta(m)...)
	return out
}

type wireMessageMeta struct {
	GroupID      GroupID    `json:"group_id"`
	ParentID     *MessageID `json:"parent_id,omitempty"`
	AuthorID     string     `json:"author_id,omitempty"`
	PublishTS    int64      `json:"publish_ts"`
	Service      string     `json:"service,omitempty"`
	AttachedInfo []byte     `json:"attached_info,omitempty"`
}

// SerializeMessageMeta builds the canonical message meta buffer used
// both to derive the message id and as the signed payload suffix.
// AttachedInfo is opaque to core but still hashed and signed as part
// of the meta, so a peer tampering with it invalidates the signature.
func SerializeMessageMeta(m MessageMeta) []byte {
	w := wireMessageMeta{
		GroupID:      m.GroupID,
		ParentID:     m.ParentID,
		AuthorID:     m.AuthorID,
		PublishTS:    m.PublishTS.UnixNano(),
		Service:      m.Service,
		AttachedInfo: m.AttachedInfo,
	}
	buf, _ := json.Marshal(w)
	return buf
}

// MessageSignedBuffer is `payload‖serialized_meta`.
func MessageSignedBuffer(payload []byte, m MessageMeta) []byte {
	out := make([]byte, 0, len(payload)+64)
	out = append(out, payload...)
	out = append(out, SerializeMessageMeta(m)...)
	return out
}

// JSONDeserializer is the default production Deserializer: it decodes
// a whole RawGroupEnvelope/RawMessageEnvelope directly, the same
// stdlib encoding used for the signed sub-buffers above. A deployment
// bridging to a non-Go peer would swap this for a real interop codec
// without touching anything else in core.
type JSONDeserializer struct{}

func (JSONDeserializer) DeserializeGroup(raw []byte) (RawGroupEnvelope, error) {
	var env RawGroupEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return RawGroupEnvelope{}, err
	}
	return env, nil
}

func (JSONDeserializer) DeserializeMessage(raw []byte) (RawMessageEnvelope, error) {
	var env RawMessageEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return RawMessageEnvelope{}, err
	}
	return env, nil
}
