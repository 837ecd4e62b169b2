package localnet

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"
)

// JSON-RPC error codes.
const (
	codeParseError         = -32700
	codeInvalidRequest     = -32600
	codeMethodNotFound     = -32601
	codeInvalidParams      = -32602
	codeInternal           = -32603
	codeSimulationFailed   = -32002
	codeInvalidTransaction = -32003
)

const solanaCoreVersion = "1.18.26"

type rpcRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      json.RawMessage   `json:"id"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func invalidParams(format string, args ...interface{}) *rpcError {
	return &rpcError{Code: codeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

type rpcHandler func(params []json.RawMessage) (interface{}, *rpcError)

type contextSlot struct {
	Slot uint64 `json:"slot"`
}

type withContext struct {
	Context contextSlot `json:"context"`
	Value   interface{} `json:"value"`
}

type accountJSON struct {
	Data       [2]string        `json:"data"`
	Executable bool             `json:"executable"`
	Lamports   uint64           `json:"lamports"`
	Owner      solana.PublicKey `json:"owner"`
	RentEpoch  uint64           `json:"rentEpoch"`
}

func encodeAccount(acc *Account) *accountJSON {
	return &accountJSON{
		Data:       [2]string{base64.StdEncoding.EncodeToString(acc.Data), "base64"},
		Executable: acc.Executable,
		Lamports:   acc.Lamports,
		Owner:      acc.Owner,
	}
}

type rpcFilter struct {
	Memcmp *struct {
		Offset uint64 `json:"offset"`
		Bytes  string `json:"bytes"`
	} `json:"memcmp,omitempty"`
	DataSize *uint64 `json:"dataSize,omitempty"`
}

func (f *rpcFilter) match(data []byte) (bool, error) {
	if f.DataSize != nil && uint64(len(data)) != *f.DataSize {
		return false, nil
	}
	if f.Memcmp != nil {
		want, err := base58.Decode(f.Memcmp.Bytes)
		if err != nil {
			return false, err
		}
		size := uint64(len(data))
		if f.Memcmp.Offset > size || uint64(len(want)) > size-f.Memcmp.Offset {
			return false, nil
		}
		end := f.Memcmp.Offset + uint64(len(want))
		if !bytes.Equal(data[f.Memcmp.Offset:end], want) {
			return false, nil
		}
	}
	return true, nil
}

func (s *Server) methods() map[string]rpcHandler {
	return map[string]rpcHandler{
		"getHealth":                         s.getHealth,
		"getVersion":                        s.getVersion,
		"getSlot":                           s.getSlot,
		"getBlockHeight":                    s.getSlot,
		"getLatestBlockhash":                s.getLatestBlockhash,
		"isBlockhashValid":                  s.isBlockhashValid,
		"getBalance":                        s.getBalance,
		"getAccountInfo":                    s.getAccountInfo,
		"getMultipleAccounts":               s.getMultipleAccounts,
		"getProgramAccounts":                s.getProgramAccounts,
		"getMinimumBalanceForRentExemption": s.getMinimumBalanceForRentExemption,
		"requestAirdrop":                    s.requestAirdrop,
		"sendTransaction":                   s.sendTransaction,
		"getSignatureStatuses":              s.getSignatureStatuses,
		"getSignaturesForAddress":           s.getSignaturesForAddress,
	}
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeJSON(w, &rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "Parse error"}, ID: json.RawMessage("null")})
		return
	}

	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []rpcRequest
		if err := json.Unmarshal(body, &batch); err != nil {
			s.writeJSON(w, &rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeInvalidRequest, Message: "Invalid request"}, ID: json.RawMessage("null")})
			return
		}
		out := make([]*rpcResponse, len(batch))
		for i := range batch {
			out[i] = s.dispatch(&batch[i])
		}
		s.writeJSON(w, out)
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeJSON(w, &rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeInvalidRequest, Message: "Invalid request"}, ID: json.RawMessage("null")})
		return
	}
	s.writeJSON(w, s.dispatch(&req))
}

func (s *Server) dispatch(req *rpcRequest) *rpcResponse {
	resp := &rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if len(resp.ID) == 0 {
		resp.ID = json.RawMessage("null")
	}

	handler, ok := s.handlers[req.Method]
	if !ok {
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: "Method not found"}
		return resp
	}
	result, rpcErr := handler(req.Params)
	if rpcErr != nil {
		s.logger.Debug("rpc call failed",
			zap.String("method", req.Method),
			zap.Int("code", rpcErr.Code),
			zap.String("message", rpcErr.Message))
		resp.Error = rpcErr
		return resp
	}
	resp.Result = result
	return resp
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to write rpc response", zap.Error(err))
	}
}

func param(params []json.RawMessage, i int, out interface{}) *rpcError {
	if i >= len(params) {
		return invalidParams("missing parameter %d", i)
	}
	if err := json.Unmarshal(params[i], out); err != nil {
		return invalidParams("invalid parameter %d: %v", i, err)
	}
	return nil
}

// optionalParam decodes params[i] when present.
func optionalParam(params []json.RawMessage, i int, out interface{}) *rpcError {
	if i >= len(params) || string(params[i]) == "null" {
		return nil
	}
	return param(params, i, out)
}

func pubkeyParam(params []json.RawMessage, i int) (solana.PublicKey, *rpcError) {
	var s string
	if err := param(params, i, &s); err != nil {
		return solana.PublicKey{}, err
	}
	pk, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		return solana.PublicKey{}, invalidParams("Invalid param: %v", err)
	}
	return pk, nil
}

func (s *Server) ctx() contextSlot {
	return contextSlot{Slot: s.bank.Slot()}
}

func (s *Server) getHealth(_ []json.RawMessage) (interface{}, *rpcError) {
	return "ok", nil
}

func (s *Server) getVersion(_ []json.RawMessage) (interface{}, *rpcError) {
	return map[string]interface{}{"solana-core": solanaCoreVersion, "feature-set": 0}, nil
}

func (s *Server) getSlot(_ []json.RawMessage) (interface{}, *rpcError) {
	return s.bank.Slot(), nil
}

func (s *Server) getLatestBlockhash(_ []json.RawMessage) (interface{}, *rpcError) {
	h, lastValid := s.bank.LatestBlockhash()
	return withContext{
		Context: s.ctx(),
		Value: map[string]interface{}{
			"blockhash":            h,
			"lastValidBlockHeight": lastValid,
		},
	}, nil
}

func (s *Server) isBlockhashValid(params []json.RawMessage) (interface{}, *rpcError) {
	var hs string
	if err := param(params, 0, &hs); err != nil {
		return nil, err
	}
	h, err := solana.HashFromBase58(hs)
	if err != nil {
		return nil, invalidParams("Invalid param: %v", err)
	}
	return withContext{Context: s.ctx(), Value: s.bank.IsBlockhashValid(h)}, nil
}

func (s *Server) getBalance(params []json.RawMessage) (interface{}, *rpcError) {
	pk, err := pubkeyParam(params, 0)
	if err != nil {
		return nil, err
	}
	return withContext{Context: s.ctx(), Value: s.bank.Balance(pk)}, nil
}

func (s *Server) getAccountInfo(params []json.RawMessage) (interface{}, *rpcError) {
	pk, err := pubkeyParam(params, 0)
	if err != nil {
		return nil, err
	}
	result := withContext{Context: s.ctx()}
	if acc, ok := s.bank.Account(pk); ok {
		result.Value = encodeAccount(acc)
	}
	return result, nil
}

func (s *Server) getMultipleAccounts(params []json.RawMessage) (interface{}, *rpcError) {
	var keys []solana.PublicKey
	if err := param(params, 0, &keys); err != nil {
		return nil, err
	}
	values := make([]*accountJSON, len(keys))
	for i, k := range keys {
		if acc, ok := s.bank.Account(k); ok {
			values[i] = encodeAccount(acc)
		}
	}
	return withContext{Context: s.ctx(), Value: values}, nil
}

func (s *Server) getProgramAccounts(params []json.RawMessage) (interface{}, *rpcError) {
	owner, err := pubkeyParam(params, 0)
	if err != nil {
		return nil, err
	}
	var cfg struct {
		Filters     []rpcFilter `json:"filters"`
		WithContext bool        `json:"withContext"`
	}
	if err := optionalParam(params, 1, &cfg); err != nil {
		return nil, err
	}

	type keyedJSON struct {
		Pubkey  solana.PublicKey `json:"pubkey"`
		Account *accountJSON     `json:"account"`
	}
	out := []keyedJSON{}
	for _, ka := range s.bank.ProgramAccounts(owner) {
		matched := true
		for i := range cfg.Filters {
			ok, ferr := cfg.Filters[i].match(ka.Account.Data)
			if ferr != nil {
				return nil, invalidParams("Invalid param: %v", ferr)
			}
			if !ok {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, keyedJSON{Pubkey: ka.Pubkey, Account: encodeAccount(ka.Account)})
		}
	}
	if cfg.WithContext {
		return withContext{Context: s.ctx(), Value: out}, nil
	}
	return out, nil
}

func (s *Server) getMinimumBalanceForRentExemption(params []json.RawMessage) (interface{}, *rpcError) {
	var size uint64
	if err := param(params, 0, &size); err != nil {
		return nil, err
	}
	return s.bank.MinimumBalance(size), nil
}

func (s *Server) requestAirdrop(params []json.RawMessage) (interface{}, *rpcError) {
	pk, err := pubkeyParam(params, 0)
	if err != nil {
		return nil, err
	}
	var lamports uint64
	if err := param(params, 1, &lamports); err != nil {
		return nil, err
	}
	sig, aerr := s.bank.Airdrop(pk, lamports)
	if aerr != nil {
		return nil, &rpcError{Code: codeInternal, Message: "airdrop request failed: " + aerr.Error()}
	}
	return sig.String(), nil
}

func (s *Server) sendTransaction(params []json.RawMessage) (interface{}, *rpcError) {
	var encoded string
	if err := param(params, 0, &encoded); err != nil {
		return nil, err
	}
	var cfg struct {
		Encoding      string `json:"encoding"`
		SkipPreflight bool   `json:"skipPreflight"`
	}
	if err := optionalParam(params, 1, &cfg); err != nil {
		return nil, err
	}

	var (
		raw []byte
		err error
	)
	switch cfg.Encoding {
	case "base64":
		raw, err = base64.StdEncoding.DecodeString(encoded)
	case "", "base58":
		raw, err = base58.Decode(encoded)
	default:
		return nil, invalidParams("unsupported encoding: %s", cfg.Encoding)
	}
	if err != nil {
		return nil, invalidParams("invalid transaction encoding: %v", err)
	}
	tx, err := solana.TransactionFromBytes(raw)
	if err != nil {
		return nil, &rpcError{Code: codeInvalidTransaction, Message: "failed to deserialize transaction: " + err.Error()}
	}

	rec, err := s.bank.Process(tx, cfg.SkipPreflight)
	if err != nil {
		var sim *SimulationError
		if errors.As(err, &sim) {
			logs := sim.Logs
			if logs == nil {
				logs = []string{}
			}
			return nil, &rpcError{
				Code:    codeSimulationFailed,
				Message: sim.Error(),
				Data: map[string]interface{}{
					"err":           sim.Err.JSON(),
					"logs":          logs,
					"accounts":      nil,
					"unitsConsumed": 0,
				},
			}
		}
		return nil, &rpcError{Code: codeInternal, Message: err.Error()}
	}
	return rec.Signature.String(), nil
}

type statusJSON struct {
	Slot               uint64          `json:"slot"`
	Confirmations      *uint64         `json:"confirmations"`
	Err                json.RawMessage `json:"err"`
	ConfirmationStatus string          `json:"confirmationStatus"`
	Status             interface{}     `json:"status"`
}

func encodeStatus(rec *TxRecord) *statusJSON {
	st := &statusJSON{
		Slot:               rec.Slot,
		Err:                rec.Err,
		ConfirmationStatus: "finalized",
		Status:             map[string]interface{}{"Ok": nil},
	}
	if rec.Err != nil {
		st.Status = map[string]interface{}{"Err": rec.Err}
	}
	return st
}

func (s *Server) getSignatureStatuses(params []json.RawMessage) (interface{}, *rpcError) {
	var sigs []solana.Signature
	if err := param(params, 0, &sigs); err != nil {
		return nil, err
	}
	if len(sigs) > 256 {
		return nil, invalidParams("Too many inputs provided; max 256")
	}
	values := make([]*statusJSON, len(sigs))
	for i, sig := range sigs {
		rec, err := s.bank.Journal().Get(sig)
		if err != nil {
			return nil, &rpcError{Code: codeInternal, Message: err.Error()}
		}
		if rec != nil {
			values[i] = encodeStatus(rec)
		}
	}
	return withContext{Context: s.ctx(), Value: values}, nil
}

func (s *Server) getSignaturesForAddress(params []json.RawMessage) (interface{}, *rpcError) {
	addr, err := pubkeyParam(params, 0)
	if err != nil {
		return nil, err
	}
	var cfg struct {
		Limit  int    `json:"limit"`
		Before string `json:"before"`
		Until  string `json:"until"`
	}
	if err := optionalParam(params, 1, &cfg); err != nil {
		return nil, err
	}
	var before *solana.Signature
	if cfg.Before != "" {
		sig, serr := solana.SignatureFromBase58(cfg.Before)
		if serr != nil {
			return nil, invalidParams("Invalid param: %v", serr)
		}
		before = &sig
	}
	var until solana.Signature
	if cfg.Until != "" {
		sig, serr := solana.SignatureFromBase58(cfg.Until)
		if serr != nil {
			return nil, invalidParams("Invalid param: %v", serr)
		}
		until = sig
	}

	recs, jerr := s.bank.Journal().SignaturesForAddress(addr, cfg.Limit, before)
	if jerr != nil {
		return nil, &rpcError{Code: codeInternal, Message: jerr.Error()}
	}

	type sigJSON struct {
		Signature          string          `json:"signature"`
		Slot               uint64          `json:"slot"`
		Err                json.RawMessage `json:"err"`
		Memo               *string         `json:"memo"`
		BlockTime          int64           `json:"blockTime"`
		ConfirmationStatus string          `json:"confirmationStatus"`
	}
	out := []sigJSON{}
	for _, rec := range recs {
		if !until.IsZero() && rec.Signature.Equals(until) {
			break
		}
		out = append(out, sigJSON{
			Signature:          rec.Signature.String(),
			Slot:               rec.Slot,
			Err:                rec.Err,
			BlockTime:          rec.BlockTime.Unix(),
			ConfirmationStatus: "finalized",
		})
	}
	return out, nil
}
