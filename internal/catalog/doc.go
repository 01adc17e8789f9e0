// Package catalog maps public model names onto upstream arena model ids and
// per-model session endpoints.
//
// Two JSONC files back the catalog. The model map associates each public
// name with an upstream id, optionally suffixed with ":image" for image
// generation targets ("null:image" when the id is unknown):
//
//	{
//	  "gpt-4o": "f1a2...",
//	  "flux-pro": "9c3b...:image",
//	}
//
// The endpoint map routes a model to a dedicated conversation. An entry is
// either a single object or a list, in which case one element is chosen at
// random per request:
//
//	{
//	  "gpt-4o": {"session_id": "...", "message_id": "...", "mode": "battle", "battle_target": "b"},
//	  "claude": [{"session_id": "..."}, {"session_id": "..."}]
//	}
//
// Load swaps in a fresh snapshot atomically, so lookups never observe a
// half-applied reload.
//
// The package also extracts the model list embedded in the arena page HTML
// (ExtractModels) and regenerates the model map from it (Catalog.Generate).
package catalog
