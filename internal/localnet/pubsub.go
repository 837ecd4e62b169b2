package localnet

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

type signatureSub struct {
	id   uint64
	sig  solana.Signature
	conn *wsConn
}

// pubsub serves signatureSubscribe over websocket.
type pubsub struct {
	bank   *Bank
	logger *zap.Logger

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*signatureSub
}

func newPubsub(bank *Bank, logger *zap.Logger) *pubsub {
	ps := &pubsub{
		bank:   bank,
		logger: logger,
		subs:   make(map[uint64]*signatureSub),
	}
	bank.OnCommit(ps.onCommit)
	return ps
}

type notification struct {
	JSONRPC string             `json:"jsonrpc"`
	Method  string             `json:"method"`
	Params  notificationParams `json:"params"`
}

type notificationParams struct {
	Result       withContext `json:"result"`
	Subscription uint64      `json:"subscription"`
}

func (ps *pubsub) onCommit(rec *TxRecord) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	for id, sub := range ps.subs {
		if sub.sig.Equals(rec.Signature) {
			delete(ps.subs, id)
			ps.notify(sub, rec)
		}
	}
}

// notify must be called with ps.mu held so that it is never written ahead of
// the subscription acknowledgement.
func (ps *pubsub) notify(sub *signatureSub, rec *TxRecord) {
	msg := notification{
		JSONRPC: "2.0",
		Method:  "signatureNotification",
		Params: notificationParams{
			Result: withContext{
				Context: contextSlot{Slot: rec.Slot},
				Value:   map[string]json.RawMessage{"err": rec.Err},
			},
			Subscription: sub.id,
		},
	}
	if err := sub.conn.write(msg); err != nil {
		ps.logger.Debug("failed to deliver signature notification", zap.Error(err))
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ps *pubsub) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ps.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &wsConn{conn: conn}
	defer func() {
		ps.dropConn(c)
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req rpcRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.write(&rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "Parse error"}, ID: json.RawMessage("null")})
			continue
		}
		switch req.Method {
		case "signatureSubscribe":
			ps.subscribe(c, &req)
		case "signatureUnsubscribe":
			ps.unsubscribe(c, &req)
		default:
			c.write(&rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeMethodNotFound, Message: "Method not found"}, ID: req.ID})
		}
	}
}

func (ps *pubsub) subscribe(c *wsConn, req *rpcRequest) {
	var sigStr string
	if err := param(req.Params, 0, &sigStr); err != nil {
		c.write(&rpcResponse{JSONRPC: "2.0", Error: err, ID: req.ID})
		return
	}
	sig, err := solana.SignatureFromBase58(sigStr)
	if err != nil {
		c.write(&rpcResponse{JSONRPC: "2.0", Error: invalidParams("Invalid param: %v", err), ID: req.ID})
		return
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	ps.nextID++
	sub := &signatureSub{id: ps.nextID, sig: sig, conn: c}
	if err := c.write(&rpcResponse{JSONRPC: "2.0", Result: sub.id, ID: req.ID}); err != nil {
		return
	}

	rec, err := ps.bank.Journal().Get(sig)
	if err != nil {
		ps.logger.Error("failed to query journal", zap.Error(err))
	}
	if rec != nil {
		ps.notify(sub, rec)
		return
	}
	ps.subs[sub.id] = sub
}

func (ps *pubsub) unsubscribe(c *wsConn, req *rpcRequest) {
	var id uint64
	if err := param(req.Params, 0, &id); err != nil {
		c.write(&rpcResponse{JSONRPC: "2.0", Error: err, ID: req.ID})
		return
	}

	ps.mu.Lock()
	sub, ok := ps.subs[id]
	if ok && sub.conn == c {
		delete(ps.subs, id)
	}
	ps.mu.Unlock()

	c.write(&rpcResponse{JSONRPC: "2.0", Result: ok, ID: req.ID})
}

func (ps *pubsub) dropConn(c *wsConn) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for id, sub := range ps.subs {
		if sub.conn == c {
			delete(ps.subs, id)
		}
	}
}
