// Package applpkg implements the appl package format named in spec §7:
// a line-terminated key=value manifest header followed by concatenated
// file records in deterministic (path,name) order, optionally signed
// with an Ed25519 identity key so a directory catalog entry's payload
// can be verified before extraction.
//
// Grounded on internal/content/store.go's deterministic path-sorted
// traversal and sha256-etag pattern in the teacher, and on
// internal/p2p/node.go's loadOrCreateKey for the Ed25519 identity-key
// idiom (go-libp2p/core/crypto), generalized from "sign a libp2p host
// identity" to "sign the sha256 digest of a packed appl package".
package applpkg

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

// FileRecord is one file stored inside an appl package.
type FileRecord struct {
	Path string // forward-slash, root-relative
	Name string
	Data []byte
}

// sortKey is what deterministic ordering sorts on: (path, name).
func sortKey(f FileRecord) string { return f.Path + "\x00" + f.Name }

// Manifest is the parsed key=value header of an appl package.
type Manifest struct {
	Name        string
	Version     string
	Entries     int
	TotalSize   int64
	Signature   []byte // Ed25519 signature over the packed package's digest, if signed
	SignerKey   []byte // marshaled public key, if signed
}

const manifestKeyValueSep = "="
const manifestLineTerm = ":"

// Build serializes files (sorted deterministically) into an appl package
// byte stream: a manifest header, then each file's own small record
// header (path, name, size) followed by its raw bytes.
func Build(name, version string, files []FileRecord) ([]byte, error) {
	sorted := make([]FileRecord, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sortKey(sorted[i]) < sortKey(sorted[j]) })

	var body bytes.Buffer
	var total int64
	for _, f := range sorted {
		fmt.Fprintf(&body, "path=%s:name=%s:size=%d:\n", f.Path, f.Name, len(f.Data))
		body.Write(f.Data)
		total += int64(len(f.Data))
	}

	var out bytes.Buffer
	fmt.Fprintf(&out, "name=%s:version=%s:entries=%d:totalsize=%d:\n", name, version, len(sorted), total)
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

// Digest returns the sha256 of an appl package's bytes, used as the value
// an Ed25519 signature is taken over.
func Digest(pkg []byte) [32]byte {
	return sha256.Sum256(pkg)
}

// Sign produces a detached signature over pkg's digest using priv, plus
// the marshaled public key needed to verify it later without a separate
// key-lookup step.
func Sign(pkg []byte, priv libp2pcrypto.PrivKey) (signature []byte, pubKeyBytes []byte, err error) {
	digest := Digest(pkg)
	sig, err := priv.Sign(digest[:])
	if err != nil {
		return nil, nil, fmt.Errorf("applpkg: sign: %w", err)
	}
	pub, err := libp2pcrypto.MarshalPublicKey(priv.GetPublic())
	if err != nil {
		return nil, nil, fmt.Errorf("applpkg: marshal signer pubkey: %w", err)
	}
	return sig, pub, nil
}

// Verify checks a detached signature against pkg's digest.
func Verify(pkg, signature, pubKeyBytes []byte) (bool, error) {
	pub, err := libp2pcrypto.UnmarshalPublicKey(pubKeyBytes)
	if err != nil {
		return false, fmt.Errorf("applpkg: unmarshal signer pubkey: %w", err)
	}
	digest := Digest(pkg)
	ok, err := pub.Verify(digest[:], signature)
	if err != nil {
		return false, fmt.Errorf("applpkg: verify: %w", err)
	}
	return ok, nil
}

// parseManifestLine parses one "key=value:key=value:" header line into a
// map, tolerating values that themselves contain "=" (split only on the
// first separator).
func parseManifestLine(line string) map[string]string {
	out := make(map[string]string)
	for _, field := range strings.Split(line, manifestLineTerm) {
		if field == "" {
			continue
		}
		parts := strings.SplitN(field, manifestKeyValueSep, 2)
		if len(parts) != 2 {
			continue
		}
		out[parts[0]] = parts[1]
	}
	return out
}

// Extract parses an appl package byte stream back into its manifest and
// file records.
func Extract(pkg []byte) (Manifest, []FileRecord, error) {
	r := bufio.NewReader(bytes.NewReader(pkg))
	headerLine, err := r.ReadString('\n')
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("applpkg: read manifest header: %w", err)
	}
	fields := parseManifestLine(strings.TrimSuffix(headerLine, "\n"))
	entries, _ := strconv.Atoi(fields["entries"])
	totalSize, _ := strconv.ParseInt(fields["totalsize"], 10, 64)
	manifest := Manifest{
		Name:      fields["name"],
		Version:   fields["version"],
		Entries:   entries,
		TotalSize: totalSize,
	}

	var records []FileRecord
	for i := 0; i < entries; i++ {
		recLine, err := r.ReadString('\n')
		if err != nil {
			return manifest, records, fmt.Errorf("applpkg: read file record %d header: %w", i, err)
		}
		recFields := parseManifestLine(strings.TrimSuffix(recLine, "\n"))
		size, err := strconv.Atoi(recFields["size"])
		if err != nil {
			return manifest, records, fmt.Errorf("applpkg: file record %d has invalid size: %w", i, err)
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(r, data); err != nil {
			return manifest, records, fmt.Errorf("applpkg: read file record %d body: %w", i, err)
		}
		records = append(records, FileRecord{
			Path: recFields["path"],
			Name: recFields["name"],
			Data: data,
		})
	}
	return manifest, records, nil
}

// ChecksumHex returns the lowercase hex sha256 of data, matching the
// etag-style checksum other stores in the pack use for cache keys.
func ChecksumHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
