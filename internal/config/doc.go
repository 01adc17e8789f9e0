// Package config handles configuration loading for arena-bridge.
//
// # Overview
//
// Configuration is loaded from a YAML file (or TOML, when the file name ends
// in .toml) with environment variable expansion. Unset fields get defaults
// and the result is validated before use.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from ARENA_BRIDGE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/arena-bridge/bridge.yaml
//  3. ~/.config/arena-bridge/bridge.yaml
//
// # Environment Variable Expansion
//
//	auth:
//	  api_key: "${ARENA_BRIDGE_API_KEY}"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:5102"      # API and agent WebSocket
//	  capture_addr: "127.0.0.1:5103"   # session id capture, "-" to disable
//
//	agent:
//	  response_timeout: "360s"         # per-frame wait; bare numbers are seconds
//	  mailbox_size: 256
//	  sides: "ab"
//
//	session:
//	  session_id: "..."
//	  message_id: "..."
//	  mode: "direct_chat"              # direct_chat, battle
//	  battle_target: "a"
//	  use_default_ids: true
//
//	features:
//	  tavern_mode: false               # merge system prompts
//	  bypass: false                    # trailing empty user turn
//
//	catalog:
//	  models_path: "models.json"
//	  endpoints_path: "model_endpoint_map.json"
//
// # Reloading
//
// A Holder publishes immutable snapshots through an atomic pointer, so a
// request that read the config keeps a consistent view while a reload or
// id capture swaps in a new one.
package config
