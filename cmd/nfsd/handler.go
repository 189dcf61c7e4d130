package main

import (
	"context"
	"time"

	"github.com/nfsd-core/nfsd/internal/authgate"
	"github.com/nfsd-core/nfsd/internal/compound"
	"github.com/nfsd-core/nfsd/internal/logger"
	"github.com/nfsd-core/nfsd/internal/nfsv4wire"
	"github.com/nfsd-core/nfsd/internal/rpcserver"
)

// nfsHandler adapts compound.Engine to rpcserver.Handler: the NFS
// program's only procedure, COMPOUND, decodes its own call body via
// nfsv4wire and runs every operation it names through the engine.
type nfsHandler struct {
	engine *compound.Engine
}

const (
	nfsProgram   = 100003
	nfsVersion4  = 4
	procNull     = 0
	procCompound = 1
)

func (h *nfsHandler) Handle(ctx context.Context, call *rpcserver.CallHeader, auth authgate.VerifyResult, args []byte) ([]byte, error) {
	if call.Program != nfsProgram || call.Version != nfsVersion4 {
		return nil, rpcserver.ErrUnknownProgram
	}

	switch call.Procedure {
	case procNull:
		return nil, nil
	case procCompound:
		return h.handleCompound(ctx, call, auth, args)
	default:
		return nil, rpcserver.ErrUnknownProcedure
	}
}

func (h *nfsHandler) handleCompound(ctx context.Context, call *rpcserver.CallHeader, auth authgate.VerifyResult, args []byte) ([]byte, error) {
	decoded, err := nfsv4wire.DecodeCompoundArgs(args)
	if err != nil {
		return nil, rpcserver.ErrGarbageArgs
	}

	cctx := &compound.Context{
		Auth:   auth,
		ConnID: connIDFromContext(ctx),
	}

	start := time.Now()
	result := h.engine.Execute(cctx, decoded.Tag, decoded.Ops)
	logger.DebugCtx(ctx, "compound executed",
		"ops", len(decoded.Ops),
		"status", uint32(result.Status),
		"duration", logger.Duration(start))

	return nfsv4wire.EncodeCompoundReply(result), nil
}

func connIDFromContext(ctx context.Context) string {
	if lc := logger.FromContext(ctx); lc != nil {
		return lc.ClientAddr
	}
	return ""
}
