package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the registry MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetItem = mcp.NewTool("get_item",
	mcp.WithDescription(
		"Look up a registry item by its 32-byte key or by the phrase it was derived from. "+
			"Returns the owner, confirmation status, delay and period, the confirmation window start, "+
			"the claim token and the payload."),
	mcp.WithString("key",
		mcp.Description("Item key as 0x-prefixed 64 hex characters")),
	mcp.WithString("phrase",
		mcp.Description("Phrase whose Keccak-256 hash is the key. Used when key is omitted.")),
)

var ToolDeriveKey = mcp.NewTool("derive_key",
	mcp.WithDescription("Compute the item key for a phrase without touching any item. "+
		"The phrase is hashed locally and never sent to the registry."),
	mcp.WithString("phrase",
		mcp.Required(),
		mcp.Description("The phrase to hash")),
)

var ToolListEvents = mcp.NewTool("list_item_events",
	mcp.WithDescription(
		"List the history of an item, newest first: creation, confirmation start, "+
			"transfers, revocations and reverts to the admin."),
	mcp.WithString("key",
		mcp.Required(),
		mcp.Description("Item key as 0x-prefixed 64 hex characters")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum events to return (default 20, max 200)")),
)

var ToolCheckClaimToken = mcp.NewTool("check_claim_token",
	mcp.WithDescription(
		"Check whether a claim token has already been bound to an item. "+
			"Each token can be used once in the registry's lifetime."),
	mcp.WithString("token",
		mcp.Required(),
		mcp.Description("Claim token as 0x-prefixed 64 hex characters")),
)

var ToolGetAdmin = mcp.NewTool("get_admin",
	mcp.WithDescription("Return the registry's current admin address."),
)

var ToolTransferItem = mcp.NewTool("transfer_item",
	mcp.WithDescription(
		"Transfer an item you own to a new owner immediately. "+
			"Only works once ownership has been confirmed. Requires a bearer token."),
	mcp.WithString("key",
		mcp.Required(),
		mcp.Description("Item key as 0x-prefixed 64 hex characters")),
	mcp.WithString("new_owner",
		mcp.Required(),
		mcp.Description("Recipient address (0x...)")),
)

var ToolFinalizeWithToken = mcp.NewTool("finalize_with_token",
	mcp.WithDescription(
		"Finalize an armed confirmation using the item's claim token, "+
			"once the delay has passed and before the window expires. Requires a bearer token."),
	mcp.WithString("token",
		mcp.Required(),
		mcp.Description("Claim token bound to the item")),
	mcp.WithString("key",
		mcp.Required(),
		mcp.Description("Item key as 0x-prefixed 64 hex characters")),
	mcp.WithString("new_owner",
		mcp.Required(),
		mcp.Description("Address that becomes the confirmed owner")),
)
