// Copyright (C) 2026 Hoyack Labs
// This file is part of welcore
//
// welcore is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// welcore is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with welcore.  If not, see <https://www.gnu.org/licenses/>.

// Package api implements the node's REST surface.
//
// Reads stay available during a halt; only the append and schema
// registration endpoints refuse with 503 while the halt flag is raised.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hoyack/archon72-sub009/crypto"
	"github.com/hoyack/archon72-sub009/data/catalog"
	"github.com/hoyack/archon72-sub009/ledger"
	"github.com/hoyack/archon72-sub009/logging"
	"github.com/hoyack/archon72-sub009/node"
	"github.com/hoyack/archon72-sub009/protocol"
	"github.com/hoyack/archon72-sub009/recovery"
	"github.com/hoyack/archon72-sub009/witness"
)

// Handlers binds the REST routes to one node.
type Handlers struct {
	Node *node.WelcoreNode
	Log  logging.Logger
}

// readHalted resolves the halt indicator carried on read responses. Reads
// stay available during a halt; the indicator tells the reader what it is
// looking at. An unreadable durable channel degrades to the fast view.
func (h *Handlers) readHalted(c echo.Context) bool {
	halted, err := h.Node.Halt().Halted(c.Request().Context())
	if err != nil {
		return h.Node.Halt().Fast().Halted
	}
	return halted
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, ErrorResponse{Message: msg})
}

func digestFromParam(raw string) (crypto.Digest, error) {
	return crypto.DigestFromString(raw)
}

// mapAppendError translates the append error taxonomy onto status codes.
func (h *Handlers) mapAppendError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, ledger.ErrSystemHalted):
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Message: err.Error()})
	case errors.Is(err, ledger.ErrChainContinuity):
		return c.JSON(http.StatusConflict, ErrorResponse{Message: err.Error()})
	case errors.Is(err, ledger.ErrStaleLease):
		return c.JSON(http.StatusConflict, ErrorResponse{Message: err.Error()})
	case errors.Is(err, ledger.ErrUnknownSchema):
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
	case errors.Is(err, ledger.ErrNoWitnessAvailable),
		errors.Is(err, witness.ErrPoolBelowFloor),
		errors.Is(err, witness.ErrNoEligibleWitness):
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Message: err.Error()})
	default:
		h.Log.Warnf("append failed: %v", err)
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: err.Error()})
	}
}

// AppendRecord handles POST /v1/records.
func (h *Handlers) AppendRecord(c echo.Context) error {
	var req AppendRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	if req.Type == "" {
		return badRequest(c, "type is required")
	}
	rec, err := h.Node.Append(c.Request().Context(),
		protocol.RecordType(req.Type), req.SchemaVersion, req.Payload)
	if err != nil {
		return h.mapAppendError(c, err)
	}
	return c.JSON(http.StatusOK, toRecordModel(rec))
}

func queryUint(c echo.Context, name string, def uint64) (uint64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}

// GetRecords handles GET /v1/records: keyset pagination by sequence, or a
// time window when fromTime/toTime are given.
func (h *Handlers) GetRecords(c echo.Context) error {
	maxResults := h.Node.Config().MaxQueryResults
	afterSeq, err := queryUint(c, "afterSeq", 0)
	if err != nil {
		return badRequest(c, "afterSeq must be a number")
	}
	toSeq, err := queryUint(c, "toSeq", 0)
	if err != nil {
		return badRequest(c, "toSeq must be a number")
	}
	limit, err := queryUint(c, "limit", maxResults)
	if err != nil {
		return badRequest(c, "limit must be a number")
	}
	if limit > maxResults {
		limit = maxResults
	}

	ctx := c.Request().Context()
	var recs []ledger.Record
	if fromRaw := c.QueryParam("fromTime"); fromRaw != "" {
		from, terr := time.Parse(time.RFC3339, fromRaw)
		if terr != nil {
			return badRequest(c, "fromTime must be RFC3339")
		}
		to := time.Now().UTC()
		if toRaw := c.QueryParam("toTime"); toRaw != "" {
			if to, terr = time.Parse(time.RFC3339, toRaw); terr != nil {
				return badRequest(c, "toTime must be RFC3339")
			}
		}
		recs, err = h.Node.Store().RangeByTime(ctx, from, to, afterSeq, limit)
	} else {
		recs, err = h.Node.Store().RangeBySequence(ctx, afterSeq, toSeq, limit)
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: err.Error()})
	}
	resp := RecordsResponse{
		Records:  toRecordModels(recs),
		IsHalted: h.readHalted(c),
	}
	if len(recs) > 0 {
		resp.Next = recs[len(recs)-1].Sequence
	}
	return c.JSON(http.StatusOK, resp)
}

// GetRecord handles GET /v1/records/:seq.
func (h *Handlers) GetRecord(c echo.Context) error {
	seq, err := strconv.ParseUint(c.Param("seq"), 10, 64)
	if err != nil {
		return badRequest(c, "sequence must be a number")
	}
	rec, err := h.Node.Store().Get(c.Request().Context(), seq)
	if errors.Is(err, ledger.ErrNoRecord) {
		return c.JSON(http.StatusNotFound, ErrorResponse{Message: err.Error()})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: err.Error()})
	}
	return c.JSON(http.StatusOK, RecordResponse{
		Record:   toRecordModel(rec),
		IsHalted: h.readHalted(c),
	})
}

// GetProof handles GET /v1/records/:seq/proof.
func (h *Handlers) GetProof(c echo.Context) error {
	seq, err := strconv.ParseUint(c.Param("seq"), 10, 64)
	if err != nil {
		return badRequest(c, "sequence must be a number")
	}
	proof, err := h.Node.Checkpoints().Prove(c.Request().Context(), seq)
	if errors.Is(err, ledger.ErrNoRecord) {
		return c.JSON(http.StatusNotFound, ErrorResponse{Message: err.Error()})
	}
	if err != nil {
		return c.JSON(http.StatusNotFound, ErrorResponse{Message: err.Error()})
	}
	return c.JSON(http.StatusOK, ProofResponse{
		Proof:    proof,
		IsHalted: h.readHalted(c),
	})
}

// GetCheckpoints handles GET /v1/checkpoints.
func (h *Handlers) GetCheckpoints(c echo.Context) error {
	afterSeq, err := queryUint(c, "afterSeq", 0)
	if err != nil {
		return badRequest(c, "afterSeq must be a number")
	}
	limit, err := queryUint(c, "limit", 100)
	if err != nil {
		return badRequest(c, "limit must be a number")
	}
	anchors, err := h.Node.Checkpoints().List(c.Request().Context(), afterSeq, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: err.Error()})
	}
	return c.JSON(http.StatusOK, CheckpointsResponse{
		Anchors:  anchors,
		IsHalted: h.readHalted(c),
	})
}

// GetLatestCheckpoint handles GET /v1/checkpoints/latest.
func (h *Handlers) GetLatestCheckpoint(c echo.Context) error {
	anchor, ok, err := h.Node.Checkpoints().Latest(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: err.Error()})
	}
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Message: "no checkpoint anchor yet"})
	}
	return c.JSON(http.StatusOK, CheckpointResponse{
		Anchor:   anchor,
		IsHalted: h.readHalted(c),
	})
}

// GetHalt handles GET /v1/halt, the polling half of the halt feed.
func (h *Handlers) GetHalt(c echo.Context) error {
	state, err := h.Node.Halt().Get(c.Request().Context())
	if err != nil {
		// Unreadable durable channel: answer with the fast view, marked
		// stale so pollers know to retry.
		state = h.Node.Halt().Fast()
		state.Stale = true
	}
	return c.JSON(http.StatusOK, state)
}

// GetHaltAnomalies handles GET /v1/halt/anomalies.
func (h *Handlers) GetHaltAnomalies(c echo.Context) error {
	anomalies, err := h.Node.Halt().Anomalies(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: err.Error()})
	}
	return c.JSON(http.StatusOK, anomalies)
}

// GetSchemas handles GET /v1/schemas.
func (h *Handlers) GetSchemas(c echo.Context) error {
	defs := h.Node.Catalog().List()
	out := make([]SchemaModel, 0, len(defs))
	for _, def := range defs {
		out = append(out, toSchemaModel(def))
	}
	return c.JSON(http.StatusOK, out)
}

// RegisterSchema handles POST /v1/schemas. Registration is itself a write
// and respects the halt flag.
func (h *Handlers) RegisterSchema(c echo.Context) error {
	var req RegisterSchemaRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	if req.Type == "" || req.SchemaVersion == 0 {
		return badRequest(c, "type and schemaVersion are required")
	}
	stakes := catalog.LowStakes
	switch req.Stakes {
	case "", "low":
	case "high":
		stakes = catalog.HighStakes
	default:
		return badRequest(c, "stakes must be high or low")
	}

	halted, err := h.Node.Halt().Halted(c.Request().Context())
	if err != nil || halted {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Message: ledger.ErrSystemHalted.Error()})
	}

	def := catalog.SchemaDef{
		Type:          protocol.RecordType(req.Type),
		SchemaVersion: req.SchemaVersion,
		Definition:    []byte(req.Definition),
		Stakes:        stakes,
		Terminal:      req.Terminal,
		Reverses:      protocol.RecordType(req.Reverses),
	}
	if err := h.Node.Catalog().Register(def); err != nil {
		return badRequest(c, err.Error())
	}
	return c.JSON(http.StatusOK, toSchemaModel(def))
}

// GetStatus handles GET /v1/status.
func (h *Handlers) GetStatus(c echo.Context) error {
	report, err := h.Node.Status(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: err.Error()})
	}
	return c.JSON(http.StatusOK, report)
}

// OpenRecoveryRequest is the POST /v1/recovery body.
type OpenRecoveryRequest struct {
	Findings string `json:"findings"`
}

// OpenRecovery handles POST /v1/recovery.
func (h *Handlers) OpenRecovery(c echo.Context) error {
	var req OpenRecoveryRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	proc, err := h.Node.Recovery().OpenInvestigation(c.Request().Context(), req.Findings)
	if errors.Is(err, recovery.ErrNotHalted) || errors.Is(err, recovery.ErrProcedureActive) {
		return c.JSON(http.StatusConflict, ErrorResponse{Message: err.Error()})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: err.Error()})
	}
	return c.JSON(http.StatusOK, proc)
}

// GetRecovery handles GET /v1/recovery.
func (h *Handlers) GetRecovery(c echo.Context) error {
	proc, ok, err := h.Node.Recovery().Active(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: err.Error()})
	}
	if !ok {
		return c.JSON(http.StatusNotFound, ErrorResponse{Message: "no active recovery procedure"})
	}
	return c.JSON(http.StatusOK, proc)
}

// ProposeBranchRequest is the POST /v1/recovery/:id/branch body.
type ProposeBranchRequest struct {
	BranchSeq  uint64 `json:"branchSeq"`
	BranchHash string `json:"branchHash"`
}

// ProposeBranch handles POST /v1/recovery/:id/branch.
func (h *Handlers) ProposeBranch(c echo.Context) error {
	var req ProposeBranchRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	hash, err := digestFromParam(req.BranchHash)
	if err != nil {
		return badRequest(c, "branchHash is not a valid digest")
	}
	err = h.Node.Recovery().ProposeBranch(c.Request().Context(), c.Param("id"), req.BranchSeq, hash)
	return h.mapRecoveryError(c, err)
}

// VoteRequest is the POST /v1/recovery/:id/vote body.
type VoteRequest struct {
	AuthorityID string `json:"authorityId"`
	Kind        string `json:"kind"`
}

// Vote handles POST /v1/recovery/:id/vote, signing with the named locally
// held authority key.
func (h *Handlers) Vote(c echo.Context) error {
	var req VoteRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "malformed request body")
	}
	if req.Kind == "" {
		req.Kind = recovery.KindApprove
	}
	err := h.Node.SignDecision(c.Request().Context(), c.Param("id"), req.AuthorityID, req.Kind)
	return h.mapRecoveryError(c, err)
}

// CompleteRecovery handles POST /v1/recovery/:id/complete.
func (h *Handlers) CompleteRecovery(c echo.Context) error {
	rec, err := h.Node.Recovery().Complete(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.mapRecoveryError(c, err)
	}
	return c.JSON(http.StatusOK, toRecordModel(rec))
}

func (h *Handlers) mapRecoveryError(c echo.Context, err error) error {
	switch {
	case err == nil:
		return c.NoContent(http.StatusOK)
	case errors.Is(err, recovery.ErrNoProcedure):
		return c.JSON(http.StatusNotFound, ErrorResponse{Message: err.Error()})
	case errors.Is(err, recovery.ErrWrongState),
		errors.Is(err, recovery.ErrWaitingPeriod),
		errors.Is(err, recovery.ErrNotUnanimous):
		return c.JSON(http.StatusConflict, ErrorResponse{Message: err.Error()})
	case errors.Is(err, recovery.ErrUnknownAuthority),
		errors.Is(err, recovery.ErrBadApproval):
		return c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Message: err.Error()})
	}
}
