// Copyright 2026 The FlowBridge Authors
// SPDX-License-Identifier: Apache-2.0

// Package credential encrypts narrowed object-store credentials at
// rest before they are written into a metadata-store document field.
// A runner only ever receives a credential scoped to its own
// workspace prefix; this package protects that credential between
// the moment the launcher narrows it and the moment the runner reads
// it back out.
//
// The construction is XChaCha20-Poly1305 with a key derived per
// workspace via HKDF-SHA256 from a single deployment master key, the
// same derive-then-seal shape as the bureau-foundation-bureau
// artifact store, collapsed to one derivation level since there is no
// container/reconstruction key tree to maintain here.
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size in bytes of the deployment master key.
const KeySize = 32

// blobVersion is prepended to every encrypted blob and included as
// additional authenticated data, so tampering with it fails
// authentication rather than silently misinterpreting the payload.
const blobVersion byte = 0x01

// Overhead is the total byte overhead added by Seal: version byte +
// XChaCha20-Poly1305 nonce + Poly1305 tag.
const Overhead = 1 + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead

var hkdfInfoWorkspaceCredential = []byte("flowbridge.credential.workspace.v1")

// MasterKey is the deployment-wide key that all per-workspace
// credential keys are derived from. It never encrypts data directly.
type MasterKey struct {
	bytes [KeySize]byte
}

// NewMasterKey wraps raw key bytes. Returns an error unless len(raw)
// is exactly KeySize, so a truncated or misconfigured secret is
// rejected at startup rather than at first use.
func NewMasterKey(raw []byte) (MasterKey, error) {
	if len(raw) != KeySize {
		return MasterKey{}, fmt.Errorf("credential: master key must be %d bytes, got %d", KeySize, len(raw))
	}
	var k MasterKey
	copy(k.bytes[:], raw)
	return k, nil
}

// Zero overwrites the key material in place. Callers that load the
// master key from an env var should call this once it has been handed
// to the server's long-lived components and is no longer needed in
// its original form.
func (k *MasterKey) Zero() {
	for i := range k.bytes {
		k.bytes[i] = 0
	}
}

// deriveWorkspaceKey derives the per-workspace AEAD key from the
// master key and the workspace ID. Domain-separated by
// hkdfInfoWorkspaceCredential so this derivation path can never
// collide with any other use of the master key.
func deriveWorkspaceKey(master MasterKey, workspaceID string) ([]byte, error) {
	info := append(append([]byte{}, hkdfInfoWorkspaceCredential...), []byte(workspaceID)...)
	r := hkdf.New(sha256.New, master.bytes[:], nil, info)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("credential: deriving workspace key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext (a narrowed credential, typically a
// downscoped access token or service-account JSON blob) under a key
// derived from master and workspaceID. The returned blob is
// self-contained: version, nonce, and ciphertext.
func Seal(master MasterKey, workspaceID string, plaintext []byte) ([]byte, error) {
	key, err := deriveWorkspaceKey(master, workspaceID)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("credential: constructing AEAD: %w", err)
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("credential: generating nonce: %w", err)
	}

	aad := []byte{blobVersion}
	out := make([]byte, 0, Overhead+len(plaintext))
	out = append(out, blobVersion)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, aad)
	return out, nil
}

// Open decrypts a blob produced by Seal under the same master key and
// workspace ID. Returns an error if the blob is malformed, was sealed
// with a different workspace ID, or has been tampered with.
func Open(master MasterKey, workspaceID string, blob []byte) ([]byte, error) {
	if len(blob) < Overhead {
		return nil, fmt.Errorf("credential: blob too short: %d bytes", len(blob))
	}
	if blob[0] != blobVersion {
		return nil, fmt.Errorf("credential: unsupported blob version %d", blob[0])
	}

	key, err := deriveWorkspaceKey(master, workspaceID)
	if err != nil {
		return nil, err
	}
	defer zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("credential: constructing AEAD: %w", err)
	}

	nonce := blob[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := blob[1+chacha20poly1305.NonceSizeX:]
	aad := []byte{blobVersion}

	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("credential: authentication failed")
	}
	return plaintext, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
