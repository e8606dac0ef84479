package webhook

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// Routes serves the webhook management surface: subscription CRUD via
// query parameters on stream URLs, plus the consumer callback endpoint.
type Routes struct {
	Manager *Manager
}

// NewRoutes creates a Routes handler.
func NewRoutes(manager *Manager) *Routes {
	return &Routes{Manager: manager}
}

// HandleRequest tries to handle a request as a webhook route. Returns
// false when the request is a plain stream request.
func (rt *Routes) HandleRequest(w http.ResponseWriter, r *http.Request) bool {
	path := r.URL.Path

	if strings.HasPrefix(path, "/callback/") {
		rt.handleCallback(w, r, path)
		return true
	}

	query := r.URL.Query()
	_, hasSubscription := query["subscription"]
	_, hasSubscriptions := query["subscriptions"]

	if hasSubscription {
		subscriptionID := query.Get("subscription")
		switch r.Method {
		case http.MethodPut:
			rt.handleCreateSubscription(w, r, path, subscriptionID)
		case http.MethodGet:
			rt.handleGetSubscription(w, subscriptionID)
		case http.MethodDelete:
			rt.handleDeleteSubscription(w, subscriptionID)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return true
	}

	if hasSubscriptions && r.Method == http.MethodGet {
		rt.handleListSubscriptions(w, path)
		return true
	}

	return false
}

func (rt *Routes) handleCreateSubscription(w http.ResponseWriter, r *http.Request, pattern, subscriptionID string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	var parsed struct {
		Webhook     string `json:"webhook"`
		Description string `json:"description"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}
	if parsed.Webhook == "" {
		http.Error(w, "Missing required field: webhook", http.StatusBadRequest)
		return
	}

	sub, created, err := rt.Manager.Registry.CreateSubscription(
		subscriptionID, pattern, parsed.Webhook, parsed.Description)
	if err != nil {
		http.Error(w, "Subscription already exists with different configuration", http.StatusConflict)
		return
	}

	resp := map[string]interface{}{
		"subscription_id": sub.SubscriptionID,
		"pattern":         sub.Pattern,
		"webhook":         sub.Webhook,
	}
	if sub.Description != "" {
		resp["description"] = sub.Description
	}

	status := http.StatusOK
	if created {
		// The secret is shown exactly once.
		resp["webhook_secret"] = sub.WebhookSecret
		status = http.StatusCreated
	}

	writeJSON(w, status, resp)
}

func (rt *Routes) handleGetSubscription(w http.ResponseWriter, subscriptionID string) {
	sub := rt.Manager.Registry.GetSubscription(subscriptionID)
	if sub == nil {
		http.Error(w, "Subscription not found", http.StatusNotFound)
		return
	}

	resp := map[string]interface{}{
		"subscription_id": sub.SubscriptionID,
		"pattern":         sub.Pattern,
		"webhook":         sub.Webhook,
	}
	if sub.Description != "" {
		resp["description"] = sub.Description
	}
	writeJSON(w, http.StatusOK, resp)
}

func (rt *Routes) handleDeleteSubscription(w http.ResponseWriter, subscriptionID string) {
	rt.Manager.Registry.DeleteSubscription(subscriptionID)
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Routes) handleListSubscriptions(w http.ResponseWriter, pattern string) {
	subs := rt.Manager.Registry.ListSubscriptions(pattern)

	items := make([]map[string]interface{}, 0, len(subs))
	for _, sub := range subs {
		item := map[string]interface{}{
			"subscription_id": sub.SubscriptionID,
			"pattern":         sub.Pattern,
			"webhook":         sub.Webhook,
		}
		if sub.Description != "" {
			item["description"] = sub.Description
		}
		items = append(items, item)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"subscriptions": items})
}

func (rt *Routes) handleCallback(w http.ResponseWriter, r *http.Request, path string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	consumerID := strings.TrimPrefix(path, "/callback/")

	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		writeCallbackError(w, CallbackError{
			Error: CallbackErrObj{Code: ErrCodeTokenInvalid, Message: "Missing or malformed Authorization header"},
		})
		return
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeCallbackError(w, CallbackError{
			Error: CallbackErrObj{Code: ErrCodeInvalidRequest, Message: "Failed to read request body"},
		})
		return
	}

	// Epoch is required; decode to a raw map first to distinguish a
	// missing field from an explicit zero.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		writeCallbackError(w, CallbackError{
			Error: CallbackErrObj{Code: ErrCodeInvalidRequest, Message: "Invalid JSON body"},
		})
		return
	}
	if _, ok := raw["epoch"]; !ok {
		writeCallbackError(w, CallbackError{
			Error: CallbackErrObj{Code: ErrCodeInvalidRequest, Message: "Missing required field: epoch"},
		})
		return
	}

	var request CallbackRequest
	if err := json.Unmarshal(body, &request); err != nil {
		writeCallbackError(w, CallbackError{
			Error: CallbackErrObj{Code: ErrCodeInvalidRequest, Message: "Invalid JSON body"},
		})
		return
	}

	switch result := rt.Manager.HandleCallback(consumerID, token, request).(type) {
	case CallbackSuccess:
		writeJSON(w, http.StatusOK, result)
	case CallbackError:
		writeCallbackError(w, result)
	}
}

func writeCallbackError(w http.ResponseWriter, resp CallbackError) {
	status, ok := errorCodeStatus[resp.Error.Code]
	if !ok {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
