// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package socket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btccustody/authority"
	"github.com/btcsuite/btccustody/roundstore"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
)

// byteOrder is the preferred byte order for keys and integers.
var byteOrder = binary.BigEndian

// Sequences, the outbound pool and approved redirections outlive rounds, so
// they are kept directly under the namespace. Requests and rollbacks are
// round scoped.
var (
	namespaceKey = []byte("socket")

	outboundBucketName  = []byte("outbound")
	redirectsBucketName = []byte("redirects")
	boundBucketName     = []byte("bound")
	executedBucketName  = []byte("executed")

	pendingBucketName   = []byte("pending")
	finalizedBucketName = []byte("finalized")
	rollbacksBucketName = []byte("rollbacks")
	requestIDBucketName = []byte("requestids")
)

var globalBuckets = [][]byte{
	outboundBucketName,
	redirectsBucketName,
	boundBucketName,
	executedBucketName,
}

func stateBucketName(s RequestState) []byte {
	if s == StateFinalized {
		return finalizedBucketName
	}
	return pendingBucketName
}

func encodeMessage(e *roundstore.Encoder, m *OutboundMessage) {
	e.Uint64(m.Sequence)
	e.String(m.Destination)
	e.Int64(int64(m.Amount))
	e.VarBytes(m.Payload)
}

func decodeMessage(d *roundstore.Decoder) OutboundMessage {
	return OutboundMessage{
		Sequence:    d.Uint64(),
		Destination: d.String("destination"),
		Amount:      btcutil.Amount(d.Int64()),
		Payload:     d.VarBytes("payload"),
	}
}

func serializeMessage(m *OutboundMessage) ([]byte, error) {
	var e roundstore.Encoder
	encodeMessage(&e, m)
	return e.Bytes()
}

func deserializeMessage(b []byte) (*OutboundMessage, error) {
	d := roundstore.NewDecoder(b)
	m := decodeMessage(d)
	if err := d.Err(); err != nil {
		return nil, err
	}
	return &m, nil
}

func redirectKey(txid chainhash.Hash, vout uint32) []byte {
	k := make([]byte, chainhash.HashSize+4)
	copy(k, txid[:])
	byteOrder.PutUint32(k[chainhash.HashSize:], vout)
	return k
}

func encodeRedirect(e *roundstore.Encoder, r *Redirect) {
	e.Hash(r.Txid)
	e.Uint32(r.Vout)
	e.String(r.Address)
	e.Int64(int64(r.Amount))
}

func decodeRedirect(d *roundstore.Decoder) Redirect {
	var r Redirect
	r.Txid = d.Hash()
	r.Vout = d.Uint32()
	r.Address = d.String("address")
	r.Amount = btcutil.Amount(d.Int64())
	return r
}

func serializeRedirect(r *Redirect) ([]byte, error) {
	var e roundstore.Encoder
	encodeRedirect(&e, r)
	return e.Bytes()
}

func deserializeRedirect(b []byte) (*Redirect, error) {
	d := roundstore.NewDecoder(b)
	r := decodeRedirect(d)
	if err := d.Err(); err != nil {
		return nil, err
	}
	return &r, nil
}

func encodeIDs(e *roundstore.Encoder, ids []authority.ID) {
	e.Count(len(ids))
	for _, id := range ids {
		e.Fixed(id[:])
	}
}

func decodeIDs(d *roundstore.Decoder) []authority.ID {
	n := d.Count()
	if n == 0 {
		return nil
	}
	ids := make([]authority.ID, n)
	for i := range ids {
		d.Fixed(ids[i][:])
	}
	return ids
}

func serializeRequest(r *Request) ([]byte, error) {
	var e roundstore.Encoder
	e.Uint64(r.RequestID)
	e.Hash(r.Txid)
	e.Uint32(uint32(r.Round))
	e.Uint8(uint8(r.State))
	e.Int64(r.ComposedAt.Unix())
	e.VarBytes(r.Psbt)
	e.VarBytes(r.Tx)

	e.Count(len(r.Inputs))
	for _, h := range r.Inputs {
		e.Hash(h)
	}
	e.Count(len(r.Messages))
	for i := range r.Messages {
		encodeMessage(&e, &r.Messages[i])
	}
	e.Count(len(r.Redirects))
	for i := range r.Redirects {
		encodeRedirect(&e, &r.Redirects[i])
	}

	signers := r.Signers()
	e.Count(len(signers))
	for _, id := range signers {
		e.Fixed(id[:])
		sigs := r.Signatures[id]
		e.Count(len(sigs))
		for _, sig := range sigs {
			e.VarBytes(sig)
		}
	}
	encodeIDs(&e, r.Attestations)
	return e.Bytes()
}

func deserializeRequest(b []byte) (*Request, error) {
	d := roundstore.NewDecoder(b)
	r := &Request{
		RequestID: d.Uint64(),
		Txid:      d.Hash(),
		Round:     authority.Round(d.Uint32()),
		State:     RequestState(d.Uint8()),
	}
	r.ComposedAt = time.Unix(d.Int64(), 0)
	r.Psbt = d.VarBytes("psbt")
	r.Tx = d.VarBytes("tx")

	r.Inputs = make([]chainhash.Hash, d.Count())
	for i := range r.Inputs {
		r.Inputs[i] = d.Hash()
	}
	if n := d.Count(); n > 0 {
		r.Messages = make([]OutboundMessage, n)
		for i := range r.Messages {
			r.Messages[i] = decodeMessage(d)
		}
	}
	if n := d.Count(); n > 0 {
		r.Redirects = make([]Redirect, n)
		for i := range r.Redirects {
			r.Redirects[i] = decodeRedirect(d)
		}
	}

	n := d.Count()
	r.Signatures = make(map[authority.ID][][]byte, n)
	for i := 0; i < n; i++ {
		var id authority.ID
		d.Fixed(id[:])
		sigs := make([][]byte, d.Count())
		for j := range sigs {
			sigs[j] = d.VarBytes("partial signature")
			if len(sigs[j]) == 0 {
				sigs[j] = nil
			}
		}
		r.Signatures[id] = sigs
	}
	r.Attestations = decodeIDs(d)

	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	return r, nil
}

func serializeRollback(r *RollbackRequest) ([]byte, error) {
	var e roundstore.Encoder
	e.Hash(r.Txid)
	e.Uint32(uint32(r.Round))
	e.Fixed(r.Who[:])
	e.Uint32(r.Vout)
	e.String(r.Destination)
	e.Int64(int64(r.Amount))
	e.VarBytes(r.Psbt)
	e.Bool(r.Approved)

	voters := make([]authority.ID, 0, len(r.Votes))
	for id := range r.Votes {
		voters = append(voters, id)
	}
	sortIDs(voters)
	e.Count(len(voters))
	for _, id := range voters {
		e.Fixed(id[:])
		e.Bool(r.Votes[id])
	}
	return e.Bytes()
}

func deserializeRollback(b []byte) (*RollbackRequest, error) {
	d := roundstore.NewDecoder(b)
	r := &RollbackRequest{
		Txid:  d.Hash(),
		Round: authority.Round(d.Uint32()),
	}
	d.Fixed(r.Who[:])
	r.Vout = d.Uint32()
	r.Destination = d.String("destination")
	r.Amount = btcutil.Amount(d.Int64())
	r.Psbt = d.VarBytes("psbt")
	r.Approved = d.Bool()

	n := d.Count()
	r.Votes = make(map[authority.ID]bool, n)
	for i := 0; i < n; i++ {
		var id authority.ID
		d.Fixed(id[:])
		r.Votes[id] = d.Bool()
	}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("rollback: %w", err)
	}
	return r, nil
}

// fetchRequest returns the request of round stored under txid, looking in
// the pending and then the finalized bucket. It returns nil if there is
// none.
func fetchRequest(ns walletdb.ReadBucket, round authority.Round,
	txid chainhash.Hash) (*Request, error) {

	for _, name := range [][]byte{pendingBucketName, finalizedBucketName} {
		b := roundstore.ReadBucket(ns, round, name)
		if b == nil {
			continue
		}
		v := b.Get(txid[:])
		if v == nil {
			continue
		}
		return deserializeRequest(v)
	}
	return nil, nil
}

// fetchRequestIn returns the request stored under txid in the bucket of the
// given state, or nil.
func fetchRequestIn(ns walletdb.ReadBucket, round authority.Round,
	state RequestState, txid chainhash.Hash) (*Request, error) {

	b := roundstore.ReadBucket(ns, round, stateBucketName(state))
	if b == nil {
		return nil, nil
	}
	v := b.Get(txid[:])
	if v == nil {
		return nil, nil
	}
	return deserializeRequest(v)
}

func putRequest(ns walletdb.ReadWriteBucket, r *Request) error {
	b, err := roundstore.Bucket(ns, r.Round, stateBucketName(r.State))
	if err != nil {
		return err
	}
	v, err := serializeRequest(r)
	if err != nil {
		return err
	}
	return b.Put(r.Txid[:], v)
}

func deleteRequest(ns walletdb.ReadWriteBucket, r *Request) error {
	b, err := roundstore.Bucket(ns, r.Round, stateBucketName(r.State))
	if err != nil {
		return err
	}
	return b.Delete(r.Txid[:])
}

func fetchRequests(ns walletdb.ReadBucket, round authority.Round,
	state RequestState) ([]*Request, error) {

	b := roundstore.ReadBucket(ns, round, stateBucketName(state))
	if b == nil {
		return nil, nil
	}
	var reqs []*Request
	err := b.ForEach(func(_, v []byte) error {
		r, err := deserializeRequest(v)
		if err != nil {
			return err
		}
		reqs = append(reqs, r)
		return nil
	})
	return reqs, err
}

func fetchRollback(ns walletdb.ReadBucket, round authority.Round,
	txid chainhash.Hash) (*RollbackRequest, error) {

	b := roundstore.ReadBucket(ns, round, rollbacksBucketName)
	if b == nil {
		return nil, nil
	}
	v := b.Get(txid[:])
	if v == nil {
		return nil, nil
	}
	return deserializeRollback(v)
}

func putRollback(ns walletdb.ReadWriteBucket, r *RollbackRequest) error {
	b, err := roundstore.Bucket(ns, r.Round, rollbacksBucketName)
	if err != nil {
		return err
	}
	v, err := serializeRollback(r)
	if err != nil {
		return err
	}
	return b.Put(r.Txid[:], v)
}

// fetchOutbound returns up to limit queued messages in sequence order. A
// limit of zero returns all of them.
func fetchOutbound(ns walletdb.ReadBucket, limit int) ([]OutboundMessage,
	error) {

	var msgs []OutboundMessage
	errStop := errors.New("limit reached")
	err := ns.NestedReadBucket(outboundBucketName).ForEach(
		func(_, v []byte) error {
			if limit > 0 && len(msgs) == limit {
				return errStop
			}
			m, err := deserializeMessage(v)
			if err != nil {
				return err
			}
			msgs = append(msgs, *m)
			return nil
		},
	)
	if err != nil && !errors.Is(err, errStop) {
		return nil, err
	}
	return msgs, nil
}

func fetchRedirects(ns walletdb.ReadBucket) ([]Redirect, error) {
	var redirects []Redirect
	err := ns.NestedReadBucket(redirectsBucketName).ForEach(
		func(_, v []byte) error {
			r, err := deserializeRedirect(v)
			if err != nil {
				return err
			}
			redirects = append(redirects, *r)
			return nil
		},
	)
	return redirects, err
}

// requeue returns the messages and redirections of an abandoned request to
// their pools.
func requeue(ns walletdb.ReadWriteBucket, r *Request) error {
	outbound := ns.NestedReadWriteBucket(outboundBucketName)
	bound := ns.NestedReadWriteBucket(boundBucketName)
	for i := range r.Messages {
		m := &r.Messages[i]
		key := roundstore.Uint64Key(m.Sequence)
		v, err := serializeMessage(m)
		if err != nil {
			return err
		}
		if err := outbound.Put(key, v); err != nil {
			return err
		}
		if err := bound.Delete(key); err != nil {
			return err
		}
	}
	return putRedirects(ns, r.Redirects)
}

func putRedirects(ns walletdb.ReadWriteBucket, redirects []Redirect) error {
	b := ns.NestedReadWriteBucket(redirectsBucketName)
	for i := range redirects {
		r := &redirects[i]
		v, err := serializeRedirect(r)
		if err != nil {
			return err
		}
		if err := b.Put(redirectKey(r.Txid, r.Vout), v); err != nil {
			return err
		}
	}
	return nil
}

// sequenceTxid returns the request a sequence is bound to or executed by.
func sequenceTxid(ns walletdb.ReadBucket, seq uint64) (chainhash.Hash, bool,
	error) {

	key := roundstore.Uint64Key(seq)
	for _, name := range [][]byte{boundBucketName, executedBucketName} {
		v := ns.NestedReadBucket(name).Get(key)
		if v == nil {
			continue
		}
		txid, err := chainhash.NewHash(v)
		if err != nil {
			return chainhash.Hash{}, false, err
		}
		return *txid, true, nil
	}
	return chainhash.Hash{}, false, nil
}

// sortedRequests orders requests by request id.
func sortedRequests(reqs []*Request) []*Request {
	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].RequestID < reqs[j].RequestID
	})
	return reqs
}
