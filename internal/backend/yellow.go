package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"treasury_watcher/internal/models"
)

// YellowClient implements StateChannel over the clearnode's JSON-RPC HTTP
// endpoint. Session keys ride along in each call so the node can verify the
// co-signatures.
type YellowClient struct {
	endpoint string
	client   *http.Client
	nextID   atomic.Int64
}

// NewYellowClient builds a client against the clearnode endpoint.
func NewYellowClient(endpoint string) *YellowClient {
	return &YellowClient{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcSessionKey struct {
	Signer     string `json:"signer"`
	SessionKey string `json:"sessionKey"`
	JWT        string `json:"jwt,omitempty"`
}

type rpcSessionInfo struct {
	SessionID   string `json:"sessionId"`
	Version     int64  `json:"version"`
	Status      string `json:"status"`
	Allocations string `json:"allocations"`
}

func (y *YellowClient) AuthRequest(ctx context.Context, address string) (string, error) {
	var out struct {
		Challenge string `json:"challenge"`
	}
	err := y.call(ctx, "auth_request", map[string]string{"address": address}, &out)
	return out.Challenge, err
}

func (y *YellowClient) AuthVerify(ctx context.Context, address, signature string) (string, error) {
	var out struct {
		JWT string `json:"jwt"`
	}
	err := y.call(ctx, "auth_verify", map[string]string{"address": address, "signature": signature}, &out)
	return out.JWT, err
}

func (y *YellowClient) CreateAppSession(ctx context.Context, docID string, keys []models.SessionKey) (*SessionInfo, error) {
	params := map[string]interface{}{
		"docId":        docID,
		"participants": toRPCKeys(keys),
	}
	var out rpcSessionInfo
	if err := y.call(ctx, "create_app_session", params, &out); err != nil {
		return nil, err
	}
	return fromRPCInfo(out), nil
}

func (y *YellowClient) SubmitAppState(ctx context.Context, sessionID string, transition StateTransition, keys []models.SessionKey) (*SessionInfo, error) {
	params := map[string]interface{}{
		"sessionId":  sessionID,
		"transition": transition,
		"signers":    toRPCKeys(keys),
	}
	var out rpcSessionInfo
	if err := y.call(ctx, "submit_app_state", params, &out); err != nil {
		return nil, err
	}
	return fromRPCInfo(out), nil
}

func (y *YellowClient) CloseAppSession(ctx context.Context, sessionID string, keys []models.SessionKey) error {
	params := map[string]interface{}{
		"sessionId": sessionID,
		"signers":   toRPCKeys(keys),
	}
	return y.call(ctx, "close_app_session", params, nil)
}

func (y *YellowClient) GetSessionStatus(ctx context.Context, sessionID string) (*SessionInfo, error) {
	var out rpcSessionInfo
	if err := y.call(ctx, "get_app_session", map[string]string{"sessionId": sessionID}, &out); err != nil {
		return nil, err
	}
	return fromRPCInfo(out), nil
}

func (y *YellowClient) call(ctx context.Context, method string, params, out interface{}) error {
	raw, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      y.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, y.endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := y.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%s: decode: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s: rpc error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out != nil {
		return json.Unmarshal(rpcResp.Result, out)
	}
	return nil
}

func toRPCKeys(keys []models.SessionKey) []rpcSessionKey {
	out := make([]rpcSessionKey, 0, len(keys))
	for _, k := range keys {
		out = append(out, rpcSessionKey{
			Signer:     k.SignerAddress,
			SessionKey: k.SessionKeyAddress,
			JWT:        k.JWT,
		})
	}
	return out
}

func fromRPCInfo(info rpcSessionInfo) *SessionInfo {
	return &SessionInfo{
		SessionID:   info.SessionID,
		Version:     info.Version,
		Status:      info.Status,
		Allocations: info.Allocations,
	}
}
