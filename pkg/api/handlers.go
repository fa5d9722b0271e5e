package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/speedrun-hq/intentflow/pkg/circuitbreaker"
	"github.com/speedrun-hq/intentflow/pkg/errs"
	"github.com/speedrun-hq/intentflow/pkg/keeper"
	"github.com/speedrun-hq/intentflow/pkg/models"
	"github.com/speedrun-hq/intentflow/pkg/registry"
)

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Chain.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Store not reachable: " + err.Error()))
		return
	}
	if _, err := s.deps.Registry.Config(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Registry not initialized"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Ready"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := map[string]interface{}{
		"round": s.deps.Chain.Round(),
	}
	if next, err := s.deps.Registry.NextIntentID(ctx); err == nil {
		status["next_intent_id"] = next
	}
	if cfg, err := s.deps.Registry.Config(ctx); err == nil {
		status["registry"] = cfg
	}
	if cfg, err := s.deps.Dispatcher.Config(ctx); err == nil {
		status["dispatcher"] = cfg
	}
	breakers := make([]circuitbreaker.State, 0, len(s.deps.Breakers))
	for _, cb := range s.deps.Breakers {
		breakers = append(breakers, cb.GetState())
	}
	status["circuit_breakers"] = breakers
	if s.deps.Keeper != nil {
		status["keeper"] = s.deps.Keeper.Address()
	}
	s.writeJSON(w, http.StatusOK, status)
}

// handleCircuitReset is the circuit breaker admin control endpoint
func (s *Server) handleCircuitReset(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("breaker")
	if name == "" {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("Missing breaker parameter"))
		return
	}
	for _, cb := range s.deps.Breakers {
		if cb.Name() == name {
			cb.Reset()
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("Circuit breaker " + name + " reset"))
			return
		}
	}
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte("No circuit breaker named " + name))
}

func (s *Server) handleListIntents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var filter *registry.Status
	if name := r.URL.Query().Get("status"); name != "" {
		st, err := registry.ParseStatus(name)
		if err != nil {
			s.badRequest(w, r, err)
			return
		}
		filter = &st
	}

	next, err := s.deps.Registry.NextIntentID(ctx)
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	list := models.IntentList{Intents: []models.Intent{}, NextID: next}
	for id := uint64(1); id < next; id++ {
		record, err := s.deps.Registry.ExportIntent(ctx, id)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				continue
			}
			s.engineError(w, r, err)
			return
		}
		if filter != nil && record.Status != *filter {
			continue
		}
		list.Intents = append(list.Intents, models.FromRecord(id, record))
	}
	list.TotalCount = len(list.Intents)
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetIntent(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	record, err := s.deps.Registry.ExportIntent(r.Context(), id)
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, models.FromRecord(id, record))
}

func (s *Server) handleGetIntentRaw(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	raw, err := s.deps.Registry.ReadIntentRaw(r.Context(), id)
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]hexutil.Bytes{"raw": raw})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	if _, err := s.deps.Registry.ExportIntent(r.Context(), id); err != nil {
		s.engineError(w, r, err)
		return
	}
	balances, err := s.deps.Dispatcher.Balances(r.Context(), id)
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, models.Account{
		IntentID: id,
		Address:  s.deps.Dispatcher.ExecutionAccount(id),
		Balances: balances,
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request, sender common.Address, body []byte) {
	var req models.RegisterIntentRequest
	if err := s.decode(body, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	reg := registry.RegisterRequest{
		WorkflowHash:     req.WorkflowHash,
		WorkflowBlob:     req.WorkflowBlob,
		TriggerCondition: req.TriggerCondition,
		Collateral:       req.Collateral,
		Keeper:           req.Keeper,
		Version:          req.Version,
		EscrowAppID:      req.EscrowAppID,
		EscrowAssetID:    req.EscrowAssetID,
	}
	payment := &registry.Payment{
		From:   sender,
		To:     s.deps.Registry.Address(),
		Asset:  req.EscrowAssetID,
		Amount: req.Collateral,
	}
	id, err := s.deps.Registry.RegisterIntent(r.Context(), sender, reg, payment)
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, models.RegisterIntentResponse{ID: id})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request, sender common.Address, body []byte) {
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	var req models.ExecuteRequest
	if err := s.decode(body, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}

	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		if s.deps.Keeper == nil || sender != s.deps.Keeper.Address() {
			s.problem(w, r, http.StatusForbidden, string(errs.KindUnauthorized), "asynchronous execution is reserved to the keeper")
			return
		}
		err := s.deps.Keeper.Submit(keeper.Job{IntentID: id, Plan: req.Plan, FeeRecipient: req.FeeRecipient})
		switch {
		case errors.Is(err, keeper.ErrAlreadyQueued):
			s.problem(w, r, http.StatusConflict, "already_queued", err.Error())
		case errors.Is(err, keeper.ErrQueueFull), errors.Is(err, keeper.ErrStopped):
			s.problem(w, r, http.StatusServiceUnavailable, "keeper_unavailable", err.Error())
		case err != nil:
			s.engineError(w, r, err)
		default:
			s.writeJSON(w, http.StatusAccepted, models.QueuedResponse{IntentID: id, Queued: true})
		}
		return
	}

	receipt, err := s.deps.Dispatcher.ExecuteIntent(r.Context(), sender, id, req.Plan, req.FeeRecipient)
	if err != nil && receipt == nil {
		s.engineError(w, r, err)
		return
	}
	// A recorded failure still commits, so the receipt is the response
	s.writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) handleStatusUpdate(w http.ResponseWriter, r *http.Request, sender common.Address, body []byte) {
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	var req models.StatusRequest
	if err := s.decode(body, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	status, err := registry.ParseStatus(req.Status)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	if err := s.deps.Registry.UpdateIntentStatus(r.Context(), sender, id, status, req.Proof); err != nil {
		s.engineError(w, r, err)
		return
	}
	s.respondIntent(w, r, id)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request, sender common.Address, _ []byte) {
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	if err := s.deps.Registry.CancelIntent(r.Context(), sender, id); err != nil {
		s.engineError(w, r, err)
		return
	}
	s.respondIntent(w, r, id)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request, sender common.Address, body []byte) {
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	var req models.WithdrawRequest
	if err := s.decode(body, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	amount, err := s.deps.Registry.WithdrawIntent(r.Context(), sender, id, req.Recipient)
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, models.WithdrawResponse{Amount: amount})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request, sender common.Address, body []byte) {
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	var req models.DepositRequest
	if err := s.decode(body, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	if err := s.deps.Dispatcher.Deposit(r.Context(), sender, id, req.Asset, req.Amount); err != nil {
		s.engineError(w, r, err)
		return
	}
	s.handleGetAccount(w, r)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request, sender common.Address, body []byte) {
	id, err := pathID(r)
	if err != nil {
		s.badRequest(w, r, err)
		return
	}
	var req models.WithdrawRequest
	if err := s.decode(body, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	swept, err := s.deps.Dispatcher.Sweep(r.Context(), sender, id, req.Recipient)
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, models.SweepResponse{Swept: swept})
}

func (s *Server) handleOraclePublish(w http.ResponseWriter, r *http.Request, sender common.Address, body []byte) {
	if s.deps.Feed == nil {
		s.problem(w, r, http.StatusServiceUnavailable, string(errs.KindNotConfigured), "no oracle feed is configured")
		return
	}
	var req models.OraclePublishRequest
	if err := s.decode(body, &req); err != nil {
		s.badRequest(w, r, err)
		return
	}
	if err := s.deps.Feed.Publish(r.Context(), sender, req.Ref, []byte(req.Key), req.Value); err != nil {
		s.engineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) respondIntent(w http.ResponseWriter, r *http.Request, id uint64) {
	record, err := s.deps.Registry.ExportIntent(r.Context(), id)
	if err != nil {
		s.engineError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, models.FromRecord(id, record))
}
