package core

import "context"

// SignatureAuthority computes and verifies the signature sets attached
// to groups and messages, per spec §4.4. It never persists anything
// itself; callers (the publication/reception pipelines) own storage.
type SignatureAuthority struct {
	Policy   AuthPolicy
	Identity IdentityService
}

func NewSignatureAuthority(policy AuthPolicy, identity IdentityService) *SignatureAuthority {
	return &SignatureAuthority{Policy: policy, Identity: identity}
}

// needsPublish reports whether a publish sub-signature is required for
// a group's slot, or is explicitly demanded for a message.
func needsPublish(policy AuthPolicy, slot uint, isChild, explicitRequired bool) bool {
	if explicitRequired {
		return true
	}
	if isChild {
		return policy.RequiresChildPublish(slot)
	}
	return policy.RequiresRootPublish(slot)
}

// needsIdentity reports whether an identity sub-signature is required:
// the author is set, or the policy bit for the slot demands one.
func needsIdentity(policy AuthPolicy, slot uint, isChild bool, authorSet bool) bool {
	if authorSet {
		return true
	}
	if isChild {
		return policy.RequiresChildAuthor(slot)
	}
	return policy.RequiresRootAuthor(slot)
}

// SignGroup computes the identity signature over buf when policy or a
// non-empty author requires one, and returns a nil signature otherwise.
// The admin signature is computed by the caller with signEd25519
// (crypto.go) since the admin key always lives in the locally generated key
// material; SignGroup here only resolves the identity half, mirroring
// spec §4.4's statement that identity signing is the one sub-signature
// gated behind the external identity service.
func (a *SignatureAuthority) SignGroup(ctx context.Context, m GroupMeta, buf []byte) (sig []byte, outcome SignOutcome, err error) {
	slot := OptionsSlot()
	if !needsIdentity(a.Policy, slot, false, m.AuthorID != "") {
		return nil, SignSuccess, nil
	}
	return a.signIdentity(ctx, m.AuthorID, buf)
}

// Requirements resolves whether a message needs a publish and/or
// identity signature, independent of the buffer being signed — callers
// use this to decide whether a missing publish key is fatal before
// they've even built the signed buffer.
func (a *SignatureAuthority) Requirements(groupMeta GroupMeta, authorID string, isChild, explicitPublishRequired bool) (needPublish, needIdentity bool) {
	slot := GroupSlot(groupMeta)
	return needsPublish(a.Policy, slot, isChild, explicitPublishRequired), needsIdentity(a.Policy, slot, isChild, authorID != "")
}

// SignMessage resolves the publish- and identity-signature outcomes
// for a message, aggregating them per spec §4.4's rule. The publish
// signature itself is produced by the caller (it needs the raw
// publish-private key bytes, which the authority never touches); this
// method returns whether a publish signature is required so the
// publication pipeline knows whether a missing key is fatal, plus the
// resolved identity outcome and signature.
func (a *SignatureAuthority) SignMessage(ctx context.Context, groupMeta GroupMeta, authorID string, isChild bool, explicitPublishRequired bool, buf []byte) (needPublish bool, identitySig []byte, identityOutcome SignOutcome, err error) {
	slot := GroupSlot(groupMeta)
	needPublish = needsPublish(a.Policy, slot, isChild, explicitPublishRequired)
	if !needsIdentity(a.Policy, slot, isChild, authorID != "") {
		return needPublish, nil, SignSuccess, nil
	}
	sig, outcome, err := a.signIdentity(ctx, authorID, buf)
	return needPublish, sig, outcome, err
}

func (a *SignatureAuthority) signIdentity(ctx context.Context, authorID string, buf []byte) ([]byte, SignOutcome, error) {
	if a.Identity == nil {
		return nil, SignFail, nil
	}
	if !a.Identity.HavePrivateKey(ctx, authorID) {
		a.Identity.RequestPrivateKey(ctx, authorID)
		return nil, SignTryLater, nil
	}
	priv, ok := a.Identity.GetPrivateKey(ctx, authorID)
	if !ok {
		a.Identity.RequestPrivateKey(ctx, authorID)
		return nil, SignTryLater, nil
	}
	sig, err := signEd25519(priv, buf)
	if err != nil {
		return nil, SignFail, err
	}
	return sig, SignSuccess, nil
}

// VerifyGroup verifies the admin signature (mandatory) and, if
// present/required, the identity signature.
func (a *SignatureAuthority) VerifyGroup(ctx context.Context, m GroupMeta, buf []byte) (SignOutcome, error) {
	admin, ok := m.Keys.AdminKey()
	if !ok {
		return SignFail, nil
	}
	adminSig, ok := m.Signatures[SigRoleAdmin]
	if !ok {
		return SignFail, nil
	}
	if !verifyEd25519(admin.Bytes, buf, adminSig) {
		return SignFail, nil
	}
	slot := OptionsSlot()
	if !needsIdentity(a.Policy, slot, false, m.AuthorID != "") {
		return SignSuccess, nil
	}
	return a.verifyIdentity(ctx, m.AuthorID, buf, m.Signatures[SigRoleIdentity])
}

// VerifyMessage verifies the publish signature (against the group's
// publish-public key) and, if required, the identity signature.
func (a *SignatureAuthority) VerifyMessage(ctx context.Context, groupMeta GroupMeta, authorID string, isChild, explicitPublishRequired bool, buf []byte, sigs SignatureSet) (SignOutcome, error) {
	slot := GroupSlot(groupMeta)
	outcomes := make([]SignOutcome, 0, 2)

	if needsPublish(a.Policy, slot, isChild, explicitPublishRequired) {
		pub, ok := groupMeta.Keys.PublishPublicKey()
		if !ok {
			outcomes = append(outcomes, SignFail)
		} else {
			sig, ok := sigs[SigRolePublish]
			if !ok || !verifyEd25519(pub.Bytes, buf, sig) {
				outcomes = append(outcomes, SignFail)
			} else {
				outcomes = append(outcomes, SignSuccess)
			}
		}
	}

	if needsIdentity(a.Policy, slot, isChild, authorID != "") {
		outcome, err := a.verifyIdentity(ctx, authorID, buf, sigs[SigRoleIdentity])
		if err != nil {
			return SignFail, err
		}
		outcomes = append(outcomes, outcome)
	}

	return Aggregate(outcomes), nil
}

func (a *SignatureAuthority) verifyIdentity(ctx context.Context, authorID string, buf, sig []byte) (SignOutcome, error) {
	if a.Identity == nil {
		return SignFail, nil
	}
	if !a.Identity.HasKey(ctx, authorID) {
		a.Identity.RequestKey(ctx, authorID)
		return SignTryLater, nil
	}
	pub, ok := a.Identity.GetKey(ctx, authorID)
	if !ok {
		a.Identity.RequestKey(ctx, authorID)
		return SignTryLater, nil
	}
	if sig == nil || !verifyEd25519(pub, buf, sig) {
		return SignFail, nil
	}
	return SignSuccess, nil
}
