package muxsocks

import (
	"encoding/json"
	"net/http"
	"strings"
)

// APIHandler serves the HTTP management endpoints on the server's mux.
// Status reports tokens only by digest; plaintext enters through request
// bodies and leaves only in the response to the request that added it.
type APIHandler struct {
	server *MuxSocksServer
	apiKey string
}

// NewAPIHandler creates an APIHandler bound to a server instance.
func NewAPIHandler(server *MuxSocksServer, apiKey string) *APIHandler {
	return &APIHandler{server: server, apiKey: apiKey}
}

// RegisterHandlers attaches the API endpoints to a mux.
func (h *APIHandler) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/api/status", h.withAuth(h.handleStatus))
	mux.HandleFunc("/api/token", h.withAuth(h.handleToken))
	mux.HandleFunc("/api/token/", h.withAuth(h.handleTokenPath))
}

type apiTokenInfo struct {
	Token           string   `json:"token"`
	Type            string   `json:"type"`
	ClientsCount    int      `json:"clients_count"`
	Port            int      `json:"port,omitempty"`
	ConnectorTokens []string `json:"connector_tokens,omitempty"`
}

type apiStatusResponse struct {
	Success bool           `json:"success"`
	Version string         `json:"version"`
	Tokens  []apiTokenInfo `json:"tokens"`
}

type apiAddTokenRequest struct {
	Type                 string `json:"type"`
	Token                string `json:"token,omitempty"`
	Port                 int    `json:"port,omitempty"`
	Username             string `json:"username,omitempty"`
	Password             string `json:"password,omitempty"`
	AllowManageConnector bool   `json:"allow_manage_connector,omitempty"`
	ReverseToken         string `json:"reverse_token,omitempty"`
}

type apiAddTokenResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token"`
	Port    int    `json:"port,omitempty"`
}

type apiRemoveTokenRequest struct {
	Token string `json:"token"`
}

type apiGenericResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, apiGenericResponse{Success: false, Error: message})
}

func (h *APIHandler) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != h.apiKey {
			writeAPIError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next(w, r)
	}
}

func (h *APIHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	forward, reverse, connector := h.server.tokens.Snapshot()

	tokens := make([]apiTokenInfo, 0, len(forward)+len(reverse)+len(connector))

	h.server.mu.RLock()
	clientCount := func(routeKey string) int {
		return len(h.server.tokenClients[routeKey])
	}
	for _, digest := range forward {
		tokens = append(tokens, apiTokenInfo{
			Token:        digest,
			Type:         TokenKindForward,
			ClientsCount: clientCount(digest),
		})
	}
	for digest, state := range reverse {
		info := apiTokenInfo{
			Token:        digest,
			Type:         TokenKindReverse,
			ClientsCount: clientCount(digest),
		}
		if state.Port > 0 {
			info.Port = state.Port
		}
		for connectorDigest, target := range connector {
			if target == digest {
				info.ConnectorTokens = append(info.ConnectorTokens, connectorDigest)
			}
		}
		tokens = append(tokens, info)
	}
	for digest := range connector {
		tokens = append(tokens, apiTokenInfo{
			Token:        digest,
			Type:         TokenKindConnector,
			ClientsCount: clientCount(digest),
		})
	}
	h.server.mu.RUnlock()

	writeJSON(w, http.StatusOK, apiStatusResponse{
		Success: true,
		Version: Version,
		Tokens:  tokens,
	})
}

func (h *APIHandler) handleToken(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.handleAddToken(w, r)
	case http.MethodDelete:
		var req apiRemoveTokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
			writeAPIError(w, http.StatusBadRequest, "token required")
			return
		}
		h.removeToken(w, req.Token)
	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *APIHandler) handleTokenPath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeAPIError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	token := strings.TrimPrefix(r.URL.Path, "/api/token/")
	if token == "" {
		writeAPIError(w, http.StatusBadRequest, "token required")
		return
	}
	h.removeToken(w, token)
}

func (h *APIHandler) removeToken(w http.ResponseWriter, token string) {
	if !h.server.RemoveToken(token) {
		writeAPIError(w, http.StatusNotFound, "token not found")
		return
	}
	writeJSON(w, http.StatusOK, apiGenericResponse{Success: true})
}

func (h *APIHandler) handleAddToken(w http.ResponseWriter, r *http.Request) {
	var req apiAddTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch req.Type {
	case TokenKindForward:
		token, err := h.server.AddForwardToken(req.Token)
		if err != nil {
			writeAPIError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, apiAddTokenResponse{Success: true, Token: token})

	case TokenKindReverse:
		token, port, err := h.server.AddReverseToken(&ReverseTokenOptions{
			Token:                req.Token,
			Port:                 req.Port,
			Username:             req.Username,
			Password:             req.Password,
			AllowManageConnector: req.AllowManageConnector,
		})
		if err != nil {
			writeAPIError(w, http.StatusConflict, err.Error())
			return
		}
		resp := apiAddTokenResponse{Success: true, Token: token}
		if port > 0 {
			resp.Port = port
		}
		writeJSON(w, http.StatusOK, resp)

	case TokenKindConnector:
		if req.ReverseToken == "" {
			writeAPIError(w, http.StatusBadRequest, "reverse_token required")
			return
		}
		token, err := h.server.AddConnectorToken(req.Token, req.ReverseToken)
		if err != nil {
			writeAPIError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, apiAddTokenResponse{Success: true, Token: token})

	default:
		writeAPIError(w, http.StatusBadRequest, "type must be forward, reverse or connector")
	}
}
