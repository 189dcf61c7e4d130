// Package nfsv4wire encodes and decodes the COMPOUND procedure's own
// envelope (tag, minorversion, and the op/arg array and the matching
// status/result array) around compound.Engine, which stays agnostic of
// the wire format and only ever sees one op's own argument bytes at a
// time. Each operation's argument section is carried as a
// length-prefixed opaque blob rather than bare back-to-back XDR
// fields, so this layer never needs to know each opcode's argument
// shape to find where the next operation starts; only the matching
// handler inside compound.Engine decodes the blob's actual fields.
package nfsv4wire

import (
	"github.com/nfsd-core/nfsd/internal/compound"
	"github.com/nfsd-core/nfsd/internal/nfs4status"
	"github.com/nfsd-core/nfsd/internal/wire"
)

// CompoundArgs is a decoded COMPOUND call.
type CompoundArgs struct {
	Tag          []byte
	MinorVersion uint32
	Ops          []compound.Op
}

// DecodeCompoundArgs decodes a COMPOUND call body: tag, minorversion,
// then an array of (opcode, argument-blob) pairs.
func DecodeCompoundArgs(body []byte) (*CompoundArgs, error) {
	dec := wire.NewDecoder(body)

	tag, err := dec.Opaque()
	if err != nil {
		return nil, err
	}
	minor, err := dec.Uint32()
	if err != nil {
		return nil, err
	}
	n, err := dec.Uint32()
	if err != nil {
		return nil, err
	}

	ops := make([]compound.Op, 0, n)
	for i := uint32(0); i < n; i++ {
		opcode, err := dec.Uint32()
		if err != nil {
			return nil, err
		}
		argBlob, err := dec.Opaque()
		if err != nil {
			return nil, err
		}
		ops = append(ops, compound.Op{Opcode: opcode, Args: argBlob})
	}

	return &CompoundArgs{Tag: tag, MinorVersion: minor, Ops: ops}, nil
}

// EncodeCompoundReply encodes a CompoundResult back into the wire
// format: overall status, tag, then one (opcode, status, result-body)
// triple per executed operation.
func EncodeCompoundReply(result compound.CompoundResult) []byte {
	enc := wire.NewEncoder()
	enc.PutUint32(uint32(result.Status))
	enc.PutOpaque(result.Tag)
	enc.PutUint32(uint32(len(result.Results)))
	for _, r := range result.Results {
		enc.PutUint32(r.Opcode)
		enc.PutUint32(uint32(r.Status))
		if r.Status == nfs4status.Ok {
			enc.PutOpaque(r.Body)
		}
	}
	return enc.Bytes()
}

// EncodeCompoundArgs is the inverse of DecodeCompoundArgs, used by
// clients and by tests exercising the wire layer end to end.
func EncodeCompoundArgs(args CompoundArgs) []byte {
	enc := wire.NewEncoder()
	enc.PutOpaque(args.Tag)
	enc.PutUint32(args.MinorVersion)
	enc.PutUint32(uint32(len(args.Ops)))
	for _, op := range args.Ops {
		enc.PutUint32(op.Opcode)
		enc.PutOpaque(op.Args)
	}
	return enc.Bytes()
}
