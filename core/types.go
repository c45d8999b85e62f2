// Package core implements the exchange engine: the publish/receive
// pipelines, the signing and verification state machines with bounded
// retry, the token/notification bookkeeping that decouples callers from
// disk and crypto work, and the periodic tick loop that orders these
// activities.
package core

import "time"

// PrivacyClass is a group's declared privacy class. It is carried in
// the meta only; the authentication-policy slot is chosen from the
// group's option flags (see GroupSlot), not from this value.
type PrivacyClass int32

const (
	PrivacyPublic PrivacyClass = iota
	PrivacyRestricted
	PrivacyPrivate
)

// CircleType is the visibility scope a group was published into.
// Only Public and Restricted-ish group scopes are named in the
// distilled spec; YourEyesOnly is the one that participates in the
// originator-stamping invariant (spec §4.5 step 5). The remaining
// values are carried through unmodified from original_source/ so
// Group.Circle round-trips fully even though only YourEyesOnly affects
// core behavior.
type CircleType int32

const (
	CirclePublic CircleType = iota
	CircleGroup
	CircleYourEyesOnly
)

// Circle is a group's visibility scope: a type plus an opaque scope id
// (e.g. the id of the containing group-of-groups).
type Circle struct {
	Type CircleType
	ID   string
}

// Group status bits (masked via GRP_META_STATUS).
const (
	GroupStatusUnprocessed uint32 = 1 << 0
	GroupStatusUnread      uint32 = 1 << 1
)

// Group subscription bits (masked via GRP_META_SUBSCRIBE).
const (
	GroupSubscribed uint32 = 1 << 0
)

// Group option flags (bits checked by the OPTIONS authentication slot
// and by feature toggles unrelated to signing).
const (
	GroupOptionRestricted uint32 = 1 << 0 // selects the Restricted policy slot
	GroupOptionPrivate    uint32 = 1 << 1 // selects the Private policy slot
)

// Message status bits (masked via MSG_META_STATUS).
const (
	MessageUnread      uint32 = 1 << 0
	MessageUnprocessed uint32 = 1 << 1
	MessageKeep        uint32 = 1 << 2
)

// KeyRole is the distribution role of a key inside a group's key set.
type KeyRole int32

const (
	KeyRoleAdmin KeyRole = iota
	KeyRolePublishPublic
	KeyRolePublishPrivate
)

// KeyMaterial marks whether a key record carries only the public half
// or the full (private) material.
type KeyMaterial int32

const (
	KeyMaterialPublicOnly KeyMaterial = iota
	KeyMaterialFull
)

// KeyRecord is one entry of a group's key set.
type KeyRecord struct {
	Role     KeyRole
	Material KeyMaterial
	Bytes    []byte
}

// KeySet maps a key id to its record. It lives inside GroupMeta and is
// read (never duplicated) by the Signature Authority — pass by
// reference, and never let a record with KeyMaterialFull escape onto
// the wire (see PublicOnly).
type KeySet map[string]KeyRecord

// PrivatePublishKey returns the single publish-private key in the set.
// Per spec §9(b), a key set carrying more than one publish-private key
// is rejected rather than silently resolved by picking the first.
func (ks KeySet) PrivatePublishKey() (id string, rec KeyRecord, ok bool, err error) {
	found := 0
	for kid, r := range ks {
		if r.Role == KeyRolePublishPrivate && r.Material == KeyMaterialFull {
			id, rec, ok = kid, r, true
			found++
		}
	}
	if found > 1 {
		return "", KeyRecord{}, false, errAmbiguousPublishKey
	}
	return id, rec, ok, nil
}

// PublishPublicKey returns the publish-public verifying key, whichever
// material it's stored with (full material also carries the public
// half implicitly via the key pair, but the wire form only ever holds
// the public bytes).
func (ks KeySet) PublishPublicKey() (KeyRecord, bool) {
	for _, r := range ks {
		if r.Role == KeyRolePublishPublic {
			return r, true
		}
	}
	// A full publish-private record also yields a usable verifying key
	// once the caller derives the public half; the core never does this
	// itself (spec: private halves never escape onto the wire), so
	// verification must always find an explicit public-role entry.
	return KeyRecord{}, false
}

// AdminKey returns the admin key record, public or full.
func (ks KeySet) AdminKey() (KeyRecord, bool) {
	for _, r := range ks {
		if r.Role == KeyRoleAdmin {
			return r, true
		}
	}
	return KeyRecord{}, false
}

// PublicOnly returns a copy of the key set with every full-material
// record reduced to its public half: publishGroupsTick packs a
// KeyMaterialFull record's Bytes as public‖private, so the leading
// ed25519PublicKeySize bytes are the verifying key. A publish-private
// record becomes a publish-public one on the wire (a peer only ever
// needs it to verify, never to sign), while an admin record keeps its
// role since AdminKey looks it up by role alone. Already-public-only
// records pass through unchanged.
func (ks KeySet) PublicOnly() KeySet {
	out := make(KeySet, len(ks))
	for id, r := range ks {
		if r.Material != KeyMaterialFull {
			out[id] = r
			continue
		}
		pub := r.Bytes
		if len(pub) > ed25519PublicKeySize {
			pub = pub[:ed25519PublicKeySize]
		}
		role := r.Role
		if role == KeyRolePublishPrivate {
			role = KeyRolePublishPublic
		}
		out[id] = KeyRecord{Role: role, Material: KeyMaterialPublicOnly, Bytes: append([]byte(nil), pub...)}
	}
	return out
}

// SigRole is a signature slot on a group or message.
type SigRole int32

const (
	SigRoleAdmin SigRole = iota
	SigRoleIdentity
	SigRolePublish
)

// SignatureSet maps a signature role to its blob.
type SignatureSet map[SigRole][]byte

// GroupID is the 16-byte identifier derived from the admin public key.
type GroupID [16]byte

// GroupMeta is a group's metadata, immutable except through the
// Meta-Mutation Processor's masked field updates.
type GroupMeta struct {
	ID          GroupID
	AuthorID    string // optional; empty means unset
	Privacy     PrivacyClass
	OptionFlags uint32
	PublishTS   time.Time
	ReceiveTS   time.Time
	ParentID    string // optional
	Circle      Circle
	Subscribe   uint32
	Status      uint32
	StoragePeriodOverride time.Duration // 0 means "use housekeeping default"
	Keys        KeySet
	Signatures  SignatureSet
	ContentHash []byte
	Service     string // GRP_META_SERVICE
	Cutoff      int64  // GRP_META_CUTOFF, reputation cutoff
	Originator  string // stamped for CircleYourEyesOnly groups
}

// Group is an immutable identity plus opaque service payload.
type Group struct {
	Payload []byte
	Meta    GroupMeta
}

// MessageID is the hash of payload‖serialized-meta at signing time.
type MessageID [32]byte

// MessageMeta is a message's metadata.
type MessageMeta struct {
	GroupID     GroupID
	ID          MessageID
	ParentID    *MessageID // optional, for replies
	OrigID      MessageID  // self if root, else the first version's id
	AuthorID    string     // optional
	PublishTS   time.Time
	ReceiveTS   time.Time
	Status      uint32
	Service     string
	ContentHash []byte
	Signatures  SignatureSet
	AttachedInfo []byte // opaque service extension data; hashed and signed as part of the meta, never inspected by core
}

// Message is a service payload plus its meta.
type Message struct {
	Payload []byte
	Meta    MessageMeta
}

// AuthPolicy is the 32-bit authentication policy: four 8-bit slots
// (public, restricted, private, options), each holding required-
// signature bits.
type AuthPolicy uint32

const (
	slotPublic     = 0
	slotRestricted = 8
	slotPrivate    = 16
	slotOptions    = 24
)

// Bit positions within a slot.
const (
	bitRootAuthor  = 0 // messages: root-author required
	bitRootPublish = 1 // messages: root-publish required
	bitChildAuthor = 2 // messages: child-author required
	bitChildPublish = 3 // messages: child-publish required
	bitAuthorSign  = 0 // groups: author-sign required (shares bit 0 with root-author)
)

func (p AuthPolicy) bit(slot, bit uint) bool {
	return (uint32(p)>>(slot+bit))&1 == 1
}

// GroupSlot resolves which policy slot a group's flags select.
func GroupSlot(m GroupMeta) uint {
	if m.OptionFlags&GroupOptionPrivate != 0 {
		return slotPrivate
	}
	if m.OptionFlags&GroupOptionRestricted != 0 {
		return slotRestricted
	}
	return slotPublic
}

// RequiresAuthorSign reports whether a group's admin/author signature
// policy demands an identity signature for the resolved slot.
func (p AuthPolicy) RequiresAuthorSign(slot uint) bool { return p.bit(slot, bitAuthorSign) }

func (p AuthPolicy) RequiresRootAuthor(slot uint) bool   { return p.bit(slot, bitRootAuthor) }
func (p AuthPolicy) RequiresRootPublish(slot uint) bool  { return p.bit(slot, bitRootPublish) }
func (p AuthPolicy) RequiresChildAuthor(slot uint) bool  { return p.bit(slot, bitChildAuthor) }
func (p AuthPolicy) RequiresChildPublish(slot uint) bool { return p.bit(slot, bitChildPublish) }

// OptionsSlot is used for group-option signatures.
func OptionsSlot() uint { return slotOptions }
