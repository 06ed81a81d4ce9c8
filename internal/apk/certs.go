// Package apk reads the signing certificates of an APK file.
//
// The APK signing block (scheme v3, then v2) is preferred. Files without one fall
// back to the PKCS#7 signature files of the v1 scheme in META-INF.
package apk

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
	log "github.com/sirupsen/logrus"

	"github.com/3leaps/apkfetch/internal/model"
)

const (
	blockIDv2 = 0x7109871a
	blockIDv3 = 0xf05368c0

	eocdSignature = 0x06054b50
	eocdMinSize   = 22
	maxCommentLen = 0xffff

	maxSignatureFileSize = 1 << 20
)

var sigBlockMagic = []byte("APK Sig Block 42")

// Signers returns the DER encoded certificate of every signer of the APK at path.
func Signers(apkPath string) ([][]byte, error) {
	f, err := os.Open(apkPath)
	if err != nil {
		return nil, fmt.Errorf("open apk: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat apk: %w", err)
	}

	blocks, err := signingBlock(f, info.Size())
	if err != nil {
		log.WithField("path", apkPath).Debugf("no usable apk signing block: %v", err)
	}
	for _, id := range []uint32{blockIDv3, blockIDv2} {
		value, ok := blocks[id]
		if !ok {
			continue
		}
		certs, err := schemeSigners(value)
		if err != nil {
			return nil, fmt.Errorf("parse signature scheme block %#x: %w", id, err)
		}
		return certs, nil
	}

	zr, err := zip.NewReader(f, info.Size())
	if err != nil {
		return nil, fmt.Errorf("read apk archive: %w", err)
	}
	return v1Signers(zr)
}

// signingBlock returns the id-value pairs of the APK signing block, which sits
// directly before the zip central directory.
func signingBlock(r io.ReaderAt, size int64) (map[uint32][]byte, error) {
	cdOffset, err := centralDirectoryOffset(r, size)
	if err != nil {
		return nil, err
	}
	if cdOffset < 32 {
		return nil, errors.New("no room for a signing block")
	}
	footer := make([]byte, 24)
	if _, err := r.ReadAt(footer, cdOffset-24); err != nil {
		return nil, fmt.Errorf("read signing block footer: %w", err)
	}
	if !bytes.Equal(footer[8:], sigBlockMagic) {
		return nil, errors.New("no signing block")
	}
	blockSize := int64(binary.LittleEndian.Uint64(footer[:8]))
	start := cdOffset - blockSize - 8
	if blockSize < 24 || start < 0 {
		return nil, fmt.Errorf("invalid signing block size %d", blockSize)
	}
	block := make([]byte, blockSize+8)
	if _, err := r.ReadAt(block, start); err != nil {
		return nil, fmt.Errorf("read signing block: %w", err)
	}
	if int64(binary.LittleEndian.Uint64(block[:8])) != blockSize {
		return nil, errors.New("signing block sizes disagree")
	}

	pairs := block[8 : len(block)-24]
	out := map[uint32][]byte{}
	for len(pairs) > 0 {
		if len(pairs) < 12 {
			return nil, errors.New("truncated signing block entry")
		}
		n := binary.LittleEndian.Uint64(pairs[:8])
		if n < 4 || n > uint64(len(pairs)-8) {
			return nil, fmt.Errorf("invalid signing block entry length %d", n)
		}
		id := binary.LittleEndian.Uint32(pairs[8:12])
		out[id] = pairs[12 : 8+n]
		pairs = pairs[8+n:]
	}
	return out, nil
}

func centralDirectoryOffset(r io.ReaderAt, size int64) (int64, error) {
	if size < eocdMinSize {
		return 0, errors.New("file too small for a zip archive")
	}
	n := int64(eocdMinSize + maxCommentLen)
	if n > size {
		n = size
	}
	buf := make([]byte, n)
	if _, err := r.ReadAt(buf, size-n); err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("read end of central directory: %w", err)
	}
	for i := len(buf) - eocdMinSize; i >= 0; i-- {
		if binary.LittleEndian.Uint32(buf[i:]) != eocdSignature {
			continue
		}
		commentLen := int(binary.LittleEndian.Uint16(buf[i+20:]))
		if i+eocdMinSize+commentLen != len(buf) {
			continue
		}
		return int64(binary.LittleEndian.Uint32(buf[i+16:])), nil
	}
	return 0, errors.New("end of central directory not found")
}

// schemeSigners decodes the signer list of a v2 or v3 block. Every signer's
// signed data starts with the digests followed by the certificate chain; the first
// certificate of the chain belongs to the signer.
func schemeSigners(value []byte) ([][]byte, error) {
	signers, _, err := lengthPrefixed(value)
	if err != nil {
		return nil, fmt.Errorf("signers: %w", err)
	}
	var out [][]byte
	for len(signers) > 0 {
		var signer []byte
		signer, signers, err = lengthPrefixed(signers)
		if err != nil {
			return nil, fmt.Errorf("signer: %w", err)
		}
		data, _, err := lengthPrefixed(signer)
		if err != nil {
			return nil, fmt.Errorf("signed data: %w", err)
		}
		_, rest, err := lengthPrefixed(data)
		if err != nil {
			return nil, fmt.Errorf("digests: %w", err)
		}
		chain, _, err := lengthPrefixed(rest)
		if err != nil {
			return nil, fmt.Errorf("certificates: %w", err)
		}
		first, _, err := lengthPrefixed(chain)
		if err != nil {
			return nil, fmt.Errorf("signer certificate: %w", err)
		}
		if _, err := x509.ParseCertificate(first); err != nil {
			return nil, fmt.Errorf("signer certificate: %w", err)
		}
		out = append(out, first)
	}
	if len(out) == 0 {
		return nil, model.ErrNoSignature
	}
	return out, nil
}

func lengthPrefixed(b []byte) (value, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, io.ErrUnexpectedEOF
	}
	n := binary.LittleEndian.Uint32(b)
	if uint64(n) > uint64(len(b)-4) {
		return nil, nil, fmt.Errorf("length %d exceeds remaining %d bytes", n, len(b)-4)
	}
	return b[4 : 4+n], b[4+n:], nil
}

var oidSignedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"explicit,optional,tag:0"`
}

type rawCertificates struct {
	Raw asn1.RawContent
}

type signedData struct {
	Version          int
	DigestAlgorithms asn1.RawValue
	ContentInfo      contentInfo
	Certificates     rawCertificates `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue   `asn1:"optional,tag:1"`
	SignerInfos      []signerInfo    `asn1:"set"`
}

type issuerAndSerial struct {
	Issuer asn1.RawValue
	Serial *big.Int
}

type signerInfo struct {
	Version         int
	IssuerAndSerial issuerAndSerial
}

func isSignatureFile(name string) bool {
	dir, file := path.Split(name)
	if dir != "META-INF/" {
		return false
	}
	switch strings.ToUpper(path.Ext(file)) {
	case ".RSA", ".DSA", ".EC":
		return true
	}
	return false
}

func v1Signers(zr *zip.Reader) ([][]byte, error) {
	seen := map[[sha256.Size]byte]bool{}
	var out [][]byte
	for _, f := range zr.File {
		if !isSignatureFile(f.Name) {
			continue
		}
		data, err := readEntry(f)
		if err != nil {
			return nil, err
		}
		certs, err := pkcs7Signers(data)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.Name, err)
		}
		for _, c := range certs {
			sum := sha256.Sum256(c)
			if seen[sum] {
				continue
			}
			seen[sum] = true
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return nil, model.ErrNoSignature
	}
	return out, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > maxSignatureFileSize {
		return nil, fmt.Errorf("%s is too large", f.Name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(io.LimitReader(rc, maxSignatureFileSize))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Name, err)
	}
	return data, nil
}

// pkcs7Signers returns the certificates referenced by the signer infos of a
// PKCS#7 SignedData structure.
func pkcs7Signers(der []byte) ([][]byte, error) {
	var ci contentInfo
	if _, err := asn1.Unmarshal(der, &ci); err != nil {
		return nil, fmt.Errorf("content info: %w", err)
	}
	if !ci.ContentType.Equal(oidSignedData) {
		return nil, fmt.Errorf("unexpected content type %v", ci.ContentType)
	}
	var sd signedData
	if _, err := asn1.Unmarshal(ci.Content.Bytes, &sd); err != nil {
		return nil, fmt.Errorf("signed data: %w", err)
	}
	certs, err := sd.Certificates.parse()
	if err != nil {
		return nil, fmt.Errorf("certificates: %w", err)
	}

	var out [][]byte
	for _, si := range sd.SignerInfos {
		cert := findCertificate(certs, si.IssuerAndSerial)
		if cert == nil {
			return nil, errors.New("signer certificate not included")
		}
		out = append(out, cert.Raw)
	}
	return out, nil
}

func (raw rawCertificates) parse() ([]*x509.Certificate, error) {
	if len(raw.Raw) == 0 {
		return nil, nil
	}
	var val asn1.RawValue
	if _, err := asn1.Unmarshal(raw.Raw, &val); err != nil {
		return nil, err
	}
	return x509.ParseCertificates(val.Bytes)
}

func findCertificate(certs []*x509.Certificate, ias issuerAndSerial) *x509.Certificate {
	for _, c := range certs {
		if c.SerialNumber.Cmp(ias.Serial) == 0 && bytes.Equal(c.RawIssuer, ias.Issuer.FullBytes) {
			return c
		}
	}
	return nil
}
