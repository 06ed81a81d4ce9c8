// Package apktest builds signed APK fixtures for tests. The signatures carry the
// certificates only; nothing in them is cryptographically valid.
package apktest

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"encoding/hex"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
)

// Certificate returns a self-signed DER certificate for commonName.
func Certificate(t testing.TB, commonName string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		t.Fatalf("serial: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return der
}

// Fingerprint is the lowercase hex SHA-256 of der.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// WriteV1 writes an APK signed with the v1 scheme: one META-INF/*.RSA file per
// certificate. An empty certs list produces an unsigned APK.
func WriteV1(t testing.TB, dir, name string, certs ...[]byte) string {
	t.Helper()
	files := map[string][]byte{}
	for i, c := range certs {
		files[filepath.ToSlash(filepath.Join("META-INF", signatureFileName(i)))] = PKCS7(t, c)
	}
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, buildZip(t, files), 0o600); err != nil {
		t.Fatalf("write apk: %v", err)
	}
	return p
}

// WriteV2 writes an APK whose signing block holds a v2 scheme entry with one
// signer per certificate.
func WriteV2(t testing.TB, dir, name string, certs ...[]byte) string {
	t.Helper()
	archive := buildZip(t, nil)
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, insertSigningBlock(t, archive, 0x7109871a, schemeValue(certs)), 0o600); err != nil {
		t.Fatalf("write apk: %v", err)
	}
	return p
}

func signatureFileName(i int) string {
	if i == 0 {
		return "CERT.RSA"
	}
	return "CERT" + string(rune('A'+i)) + ".RSA"
}

func buildZip(t testing.TB, extra map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	entries := map[string][]byte{
		"AndroidManifest.xml": []byte("manifest"),
		"classes.dex":         []byte("dex"),
	}
	for k, v := range extra {
		entries[k] = v
	}
	for _, name := range []string{"AndroidManifest.xml", "classes.dex"} {
		writeEntry(t, zw, name, entries[name])
		delete(entries, name)
	}
	for name, data := range entries {
		writeEntry(t, zw, name, data)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	return buf.Bytes()
}

func writeEntry(t testing.TB, zw *zip.Writer, name string, data []byte) {
	t.Helper()
	w, err := zw.Create(name)
	if err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

type issuerAndSerial struct {
	Issuer asn1.RawValue
	Serial *big.Int
}

type signerInfo struct {
	Version         int
	IssuerAndSerial issuerAndSerial
}

type innerContent struct {
	ContentType asn1.ObjectIdentifier
}

type signedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue
	ContentInfo      innerContent
	Certificates     asn1.RawValue
	SignerInfos      asn1.RawValue
}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue
}

// PKCS7 returns a detached PKCS#7 SignedData with one signer for cert.
func PKCS7(t testing.TB, cert []byte) []byte {
	t.Helper()
	parsed, err := x509.ParseCertificate(cert)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	si, err := asn1.Marshal(signerInfo{
		Version: 1,
		IssuerAndSerial: issuerAndSerial{
			Issuer: asn1.RawValue{FullBytes: parsed.RawIssuer},
			Serial: parsed.SerialNumber,
		},
	})
	if err != nil {
		t.Fatalf("marshal signer info: %v", err)
	}
	sd, err := asn1.Marshal(signedData{
		Version:          1,
		DigestAlgorithms: asn1.RawValue{Tag: asn1.TagSet, IsCompound: true},
		ContentInfo:      innerContent{ContentType: asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}},
		Certificates:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: cert},
		SignerInfos:      asn1.RawValue{Tag: asn1.TagSet, IsCompound: true, Bytes: si},
	})
	if err != nil {
		t.Fatalf("marshal signed data: %v", err)
	}
	out, err := asn1.Marshal(contentInfo{
		ContentType: asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2},
		Content:     asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: sd},
	})
	if err != nil {
		t.Fatalf("marshal content info: %v", err)
	}
	return out
}

func prefixed(parts ...[]byte) []byte {
	var b bytes.Buffer
	for _, p := range parts {
		_ = binary.Write(&b, binary.LittleEndian, uint32(len(p)))
		b.Write(p)
	}
	return b.Bytes()
}

func schemeValue(certs [][]byte) []byte {
	var signers [][]byte
	for _, c := range certs {
		digests := prefixed()
		chain := prefixed(c)
		attrs := prefixed()
		data := append(append(prefixed(digests), prefixed(chain)...), prefixed(attrs)...)
		signer := append(prefixed(data), prefixed(prefixed(), []byte("pubkey"))...)
		signers = append(signers, signer)
	}
	return prefixed(prefixed(signers...))
}

func insertSigningBlock(t testing.TB, archive []byte, id uint32, value []byte) []byte {
	t.Helper()
	eocd := bytes.LastIndex(archive, []byte{0x50, 0x4b, 0x05, 0x06})
	if eocd < 0 {
		t.Fatalf("end of central directory not found")
	}
	cdOffset := binary.LittleEndian.Uint32(archive[eocd+16:])

	var pairs bytes.Buffer
	_ = binary.Write(&pairs, binary.LittleEndian, uint64(len(value)+4))
	_ = binary.Write(&pairs, binary.LittleEndian, id)
	pairs.Write(value)

	size := uint64(pairs.Len() + 24)
	var block bytes.Buffer
	_ = binary.Write(&block, binary.LittleEndian, size)
	block.Write(pairs.Bytes())
	_ = binary.Write(&block, binary.LittleEndian, size)
	block.WriteString("APK Sig Block 42")

	out := make([]byte, 0, len(archive)+block.Len())
	out = append(out, archive[:cdOffset]...)
	out = append(out, block.Bytes()...)
	out = append(out, archive[cdOffset:]...)
	newEOCD := eocd + block.Len()
	binary.LittleEndian.PutUint32(out[newEOCD+16:], cdOffset+uint32(block.Len()))
	return out
}
