// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package vault

import (
	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
)

// Worst case script and input/output size estimates for vault spends.
const (
	// P2WSHPkScriptSize is the size of a transaction output script that
	// pays to a witness script hash. It is calculated as:
	//
	//   - OP_0
	//   - OP_DATA_32
	//   - 32 bytes script hash
	P2WSHPkScriptSize = 1 + 1 + 32

	// P2WSHOutputSize is the serialize size of a transaction output with
	// a P2WSH output script.
	P2WSHOutputSize = 8 + 1 + P2WSHPkScriptSize

	// RedeemP2WSHInputSize is the non-witness size of an input spending a
	// P2WSH output. It is calculated as:
	//
	//   - 32 bytes previous tx
	//   - 4 bytes output index
	//   - 1 byte encoding empty redeem script
	//   - 4 bytes sequence
	RedeemP2WSHInputSize = 32 + 4 + 1 + 4

	// multiSigSignatureSize is the worst case witness push of a DER
	// signature plus sighash byte, including its length prefix.
	multiSigSignatureSize = 1 + 73
)

// InputShape describes an m-of-n vault input.
type InputShape struct {
	M int
	N int
}

// MultiSigScriptSize returns the size of an m-of-n multisig script over
// compressed keys: OP_m, n pushes of 33 bytes, OP_n and OP_CHECKMULTISIG.
func MultiSigScriptSize(n int) int {
	return 1 + n*(1+PublicKeySize) + 1 + 1
}

// InputWitnessWeight returns the worst case witness weight of an m-of-n
// P2WSH spend. The witness stack holds the empty dummy element consumed by
// OP_CHECKMULTISIG, m signatures and the witness script.
func InputWitnessWeight(m, n int) int {
	scriptSize := MultiSigScriptSize(n)
	return wire.VarIntSerializeSize(uint64(m+2)) +
		1 +
		m*multiSigSignatureSize +
		wire.VarIntSerializeSize(uint64(scriptSize)) + scriptSize
}

// InputVirtualSize returns the number of vbytes an m-of-n P2WSH input adds
// to a transaction.
func InputVirtualSize(m, n int) int {
	// We add 3 to the witness weight to make sure the result is always
	// rounded up.
	return RedeemP2WSHInputSize +
		(InputWitnessWeight(m, n)+3)/blockchain.WitnessScaleFactor
}

// EstimateVirtualSize returns a worst case virtual size estimate for a
// signed transaction spending the given vault inputs and paying txOuts plus
// an optional change output of changeScriptSize bytes.
func EstimateVirtualSize(ins []InputShape, txOuts []*wire.TxOut,
	changeScriptSize int) int {

	outputCount := len(txOuts)

	changeOutputSize := 0
	if changeScriptSize > 0 {
		changeOutputSize = 8 +
			wire.VarIntSerializeSize(uint64(changeScriptSize)) +
			changeScriptSize
		outputCount++
	}

	// Version 4 bytes + LockTime 4 bytes + Serialized var int size for the
	// number of transaction inputs and outputs + size of the inputs and
	// the serialized outputs and change.
	baseSize := 8 +
		wire.VarIntSerializeSize(uint64(len(ins))) +
		wire.VarIntSerializeSize(uint64(outputCount)) +
		len(ins)*RedeemP2WSHInputSize +
		txsizes.SumOutputSerializeSizes(txOuts) +
		changeOutputSize

	witnessWeight := 0
	if len(ins) > 0 {
		// Additional 2 weight units for segwit marker + flag.
		witnessWeight = 2
		for _, in := range ins {
			witnessWeight += InputWitnessWeight(in.M, in.N)
		}
	}

	return baseSize + (witnessWeight+3)/blockchain.WitnessScaleFactor
}
