// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/txscript"
)

const (
	descriptorPrefix = "wsh(sortedmulti("
	descriptorSuffix = "))"

	// checksumLength is the number of characters following '#'.
	checksumLength = 8

	// descriptorInputCharset is the character set descriptors may use,
	// ordered so that position/32 groups characters for the checksum.
	descriptorInputCharset = "0123456789()[],'/*abcdefgh@:$%{}" +
		"IJKLMNOPQRSTUVWXYZ&+-.;<=>?!^_|~" +
		"ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "

	// descriptorChecksumCharset is the bech32 character set.
	descriptorChecksumCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"
)

// MaxKeys is the largest multisig this package builds.
const MaxKeys = txscript.MaxPubKeysPerMultiSig

func descriptorPolyMod(c uint64, val int) uint64 {
	c0 := c >> 35
	c = ((c & 0x7ffffffff) << 5) ^ uint64(val)
	if c0&1 != 0 {
		c ^= 0xf5dee51989
	}
	if c0&2 != 0 {
		c ^= 0xa9fdca3312
	}
	if c0&4 != 0 {
		c ^= 0x1bab10e32d
	}
	if c0&8 != 0 {
		c ^= 0x3706b1677a
	}
	if c0&16 != 0 {
		c ^= 0x644d626ffd
	}
	return c
}

// DescriptorChecksum computes the eight character output descriptor
// checksum of desc, which must not carry a checksum itself.
func DescriptorChecksum(desc string) (string, error) {
	c := uint64(1)
	cls, clsCount := 0, 0
	for i := 0; i < len(desc); i++ {
		pos := strings.IndexByte(descriptorInputCharset, desc[i])
		if pos < 0 {
			str := fmt.Sprintf("invalid descriptor character %q",
				desc[i])
			return "", newError(ErrInvalidDescriptor, str, nil)
		}
		c = descriptorPolyMod(c, pos&31)
		cls = cls*3 + pos>>5
		clsCount++
		if clsCount == 3 {
			c = descriptorPolyMod(c, cls)
			cls, clsCount = 0, 0
		}
	}
	if clsCount > 0 {
		c = descriptorPolyMod(c, cls)
	}
	for j := 0; j < checksumLength; j++ {
		c = descriptorPolyMod(c, 0)
	}
	c ^= 1

	sum := make([]byte, checksumLength)
	for j := 0; j < checksumLength; j++ {
		sum[j] = descriptorChecksumCharset[(c>>(5*(7-j)))&31]
	}
	return string(sum), nil
}

// SortedMultiDescriptor returns the checksummed descriptor
// wsh(sortedmulti(m,keys...)) with the keys in canonical order.
func SortedMultiDescriptor(m int, keys []PublicKey) (string, error) {
	if err := checkThreshold(m, len(keys)); err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(descriptorPrefix)
	b.WriteString(strconv.Itoa(m))
	for _, k := range SortKeys(keys) {
		b.WriteByte(',')
		b.WriteString(k.String())
	}
	b.WriteString(descriptorSuffix)

	body := b.String()
	sum, err := DescriptorChecksum(body)
	if err != nil {
		return "", err
	}
	return body + "#" + sum, nil
}

// ParseDescriptor recognizes a canonical checksummed sorted multisig
// descriptor and returns its threshold and keys. Keys must appear in
// ascending order and may not repeat.
func ParseDescriptor(desc string) (int, []PublicKey, error) {
	body, sum, ok := strings.Cut(desc, "#")
	if !ok || len(sum) != checksumLength {
		return 0, nil, newError(ErrInvalidDescriptor,
			"missing descriptor checksum", nil)
	}
	want, err := DescriptorChecksum(body)
	if err != nil {
		return 0, nil, err
	}
	if sum != want {
		str := fmt.Sprintf("descriptor checksum mismatch: got %s, "+
			"want %s", sum, want)
		return 0, nil, newError(ErrInvalidDescriptor, str, nil)
	}

	if !strings.HasPrefix(body, descriptorPrefix) ||
		!strings.HasSuffix(body, descriptorSuffix) {

		return 0, nil, newError(ErrInvalidDescriptor,
			"not a wsh(sortedmulti()) descriptor", nil)
	}
	inner := strings.TrimSuffix(
		strings.TrimPrefix(body, descriptorPrefix), descriptorSuffix,
	)
	parts := strings.Split(inner, ",")
	if len(parts) < 2 {
		return 0, nil, newError(ErrInvalidDescriptor,
			"descriptor has no keys", nil)
	}

	m, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, nil, newError(ErrInvalidDescriptor,
			"invalid threshold", err)
	}

	keys := make([]PublicKey, 0, len(parts)-1)
	for i, part := range parts[1:] {
		key, err := ParsePublicKeyHex(part)
		if err != nil {
			return 0, nil, newError(ErrInvalidDescriptor,
				fmt.Sprintf("invalid key %d", i), err)
		}
		if i > 0 && !keys[i-1].Less(key) {
			return 0, nil, newError(ErrInvalidDescriptor,
				"keys are not in canonical order", nil)
		}
		keys = append(keys, key)
	}
	if err := checkThreshold(m, len(keys)); err != nil {
		return 0, nil, err
	}
	return m, keys, nil
}

// MultiSigStats recognizes a canonical m-of-n multisig script and returns
// its threshold and key count.
func MultiSigStats(script []byte) (int, int, error) {
	if txscript.GetScriptClass(script) != txscript.MultiSigTy {
		return 0, 0, newError(ErrInvalidDescriptor,
			"not a multisig script", nil)
	}
	n, m, err := txscript.CalcMultiSigStats(script)
	if err != nil {
		return 0, 0, newError(ErrInvalidDescriptor,
			"invalid multisig script", err)
	}
	return m, n, nil
}

func checkThreshold(m, n int) error {
	if m < 1 || m > n || n > MaxKeys {
		str := fmt.Sprintf("invalid %d-of-%d threshold", m, n)
		return newError(ErrInvalidThreshold, str, nil)
	}
	return nil
}
