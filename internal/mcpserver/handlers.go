package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/phraseclaim/internal/registry"
	"github.com/mbd888/phraseclaim/internal/validation"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *RegistryClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *RegistryClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetItem looks up an item by key or phrase.
func (h *Handlers) HandleGetItem(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := req.GetString("key", "")
	if key == "" {
		phrase := req.GetString("phrase", "")
		if phrase == "" {
			return mcp.NewToolResultError("one of key or phrase is required"), nil
		}
		if err := validation.Validate(validation.Phrase("phrase", phrase)); len(err) > 0 {
			return mcp.NewToolResultError(err.Error()), nil
		}
		key = registry.KeyFromPhrase(phrase).Hex()
	}
	if !validation.IsValidHash(key) {
		return mcp.NewToolResultError("key must be 0x followed by 64 hex characters"), nil
	}

	raw, err := h.client.GetItem(ctx, key)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get item: %v", err)), nil
	}
	text, err := formatItem(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse item: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleDeriveKey hashes a phrase into a key. The phrase never leaves the process.
func (h *Handlers) HandleDeriveKey(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	phrase := req.GetString("phrase", "")
	if phrase == "" {
		return mcp.NewToolResultError("phrase is required"), nil
	}
	if err := validation.Validate(validation.Phrase("phrase", phrase)); len(err) > 0 {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("Key: " + registry.KeyFromPhrase(phrase).Hex()), nil
}

// HandleListEvents lists an item's history.
func (h *Handlers) HandleListEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := req.GetString("key", "")
	if !validation.IsValidHash(key) {
		return mcp.NewToolResultError("key must be 0x followed by 64 hex characters"), nil
	}
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListEvents(ctx, key, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list events: %v", err)), nil
	}
	text, err := formatEvents(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse events: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleCheckClaimToken reports whether a token is used.
func (h *Handlers) HandleCheckClaimToken(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token := req.GetString("token", "")
	if !validation.IsValidHash(token) {
		return mcp.NewToolResultError("token must be 0x followed by 64 hex characters"), nil
	}

	raw, err := h.client.GetToken(ctx, token)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check token: %v", err)), nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse token: %v", err)), nil
	}
	if used, _ := m["used"].(bool); used {
		return mcp.NewToolResultText(fmt.Sprintf("Token %s is used by item %s.", token, getString(m, "key"))), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Token %s is unused.", token)), nil
}

// HandleGetAdmin returns the admin address.
func (h *Handlers) HandleGetAdmin(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetAdmin(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get admin: %v", err)), nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse admin: %v", err)), nil
	}
	return mcp.NewToolResultText("Admin: " + getString(m, "admin")), nil
}

// HandleTransferItem transfers a confirmed item.
func (h *Handlers) HandleTransferItem(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := req.GetString("key", "")
	newOwner := req.GetString("new_owner", "")
	if msg := checkKeyAndOwner(key, newOwner); msg != "" {
		return mcp.NewToolResultError(msg), nil
	}

	raw, err := h.client.Transfer(ctx, key, newOwner)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Transfer failed: %v", err)), nil
	}
	text, err := formatItem(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse item: %v", err)), nil
	}
	return mcp.NewToolResultText("Transferred.\n\n" + text), nil
}

// HandleFinalizeWithToken finalizes a confirmation by claim token.
func (h *Handlers) HandleFinalizeWithToken(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	token := req.GetString("token", "")
	key := req.GetString("key", "")
	newOwner := req.GetString("new_owner", "")
	if !validation.IsValidHash(token) {
		return mcp.NewToolResultError("token must be 0x followed by 64 hex characters"), nil
	}
	if msg := checkKeyAndOwner(key, newOwner); msg != "" {
		return mcp.NewToolResultError(msg), nil
	}

	raw, err := h.client.FinalizeByToken(ctx, token, key, newOwner)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Finalize failed: %v", err)), nil
	}
	text, err := formatItem(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse item: %v", err)), nil
	}
	return mcp.NewToolResultText("Ownership confirmed.\n\n" + text), nil
}

func checkKeyAndOwner(key, owner string) string {
	if !validation.IsValidHash(key) {
		return "key must be 0x followed by 64 hex characters"
	}
	if !validation.IsValidEthAddress(owner) {
		return "new_owner must be a 0x-prefixed address"
	}
	return ""
}

// --- Formatting ---

func formatItem(raw json.RawMessage) (string, error) {
	var resp struct {
		Item map[string]any `json:"item"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Item == nil {
		return "", fmt.Errorf("unexpected item response format")
	}
	it := resp.Item

	var sb strings.Builder
	sb.WriteString("Item:\n")
	fmt.Fprintf(&sb, "  Key:    %s\n", getString(it, "key"))
	fmt.Fprintf(&sb, "  Owner:  %s\n", getString(it, "owner"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(it, "status"))
	if v, ok := getFloat(it, "delaySeconds"); ok && v > 0 {
		fmt.Fprintf(&sb, "  Delay:  %s\n", time.Duration(v)*time.Second)
	}
	if v, ok := getFloat(it, "periodSeconds"); ok && v > 0 {
		fmt.Fprintf(&sb, "  Period: %s\n", time.Duration(v)*time.Second)
	}
	if v, ok := getFloat(it, "windowStart"); ok && v > 0 {
		fmt.Fprintf(&sb, "  Window started: %s\n", time.Unix(int64(v), 0).UTC().Format(time.RFC3339))
	}
	if v := getString(it, "claimToken"); v != "" && !isZeroHex(v) {
		fmt.Fprintf(&sb, "  Claim token: %s\n", v)
	}
	if v := getString(it, "payload"); v != "" {
		fmt.Fprintf(&sb, "  Payload: %s\n", v)
	}
	return sb.String(), nil
}

func formatEvents(raw json.RawMessage) (string, error) {
	var resp struct {
		Events []map[string]any `json:"events"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected events response format")
	}
	if len(resp.Events) == 0 {
		return "No events.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d event(s):\n\n", len(resp.Events))
	for i, e := range resp.Events {
		fmt.Fprintf(&sb, "%d. %s at %s\n", i+1, getString(e, "name"), getString(e, "at"))
		if from := getString(e, "from"); from != "" && !isZeroHex(from) {
			fmt.Fprintf(&sb, "   from %s\n", from)
		}
		if to := getString(e, "to"); to != "" && !isZeroHex(to) {
			fmt.Fprintf(&sb, "   to   %s\n", to)
		}
	}
	return sb.String(), nil
}

func isZeroHex(s string) bool {
	return strings.Trim(strings.TrimPrefix(s, "0x"), "0") == ""
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
